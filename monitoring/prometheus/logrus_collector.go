package prometheus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// LogrusCollector is a logrus hook that counts emitted log entries per level
// and per package prefix.
type LogrusCollector struct {
	counterVec *prometheus.CounterVec
}

var (
	collectedLevels = []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
	logEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "log_entries_total",
		Help: "Total number of log messages.",
	}, []string{"level", "prefix"})
)

const prefixKey = "prefix"
const defaultPrefix = "global"

// NewLogrusCollector returns a hook for logrus.AddHook. The underlying
// counter is registered once at package init, so the hook may be constructed
// freely.
func NewLogrusCollector() *LogrusCollector {
	return &LogrusCollector{
		counterVec: logEntriesTotal,
	}
}

// Fire is called on every log call.
func (hook *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := defaultPrefix
	if prefixValue, ok := entry.Data[prefixKey]; ok {
		prefix, ok = prefixValue.(string)
		if !ok {
			return errors.New("prefix is not a string")
		}
	}
	hook.counterVec.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels returns the levels this hook observes.
func (_ *LogrusCollector) Levels() []logrus.Level {
	return collectedLevels
}
