// Package breaker implements the three-state circuit breakers guarding the
// proxy's external dependencies (execution RPC, escrow contract, cache
// store). Breakers are per-process; instances across a fleet may briefly
// disagree and that is acceptable since each process degrades independently.
package breaker

import (
	"sync"
	"time"

	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "breaker")

// State of a breaker.
type State int

const (
	// Closed passes requests through while counting outcomes.
	Closed State = iota
	// Open short-circuits every request with CIRCUIT_OPEN.
	Open
	// HalfOpen passes requests, closing after enough consecutive
	// successes and reopening on the first failure.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Metrics is a point-in-time snapshot of one breaker's counters.
type Metrics struct {
	Name              string `json:"name"`
	State             string `json:"state"`
	Failures          int    `json:"failures"`
	Successes         int    `json:"successes"`
	TotalRequests     int    `json:"totalRequests"`
	RejectedRequests  int    `json:"rejectedRequests"`
	LastFailureAt     int64  `json:"lastFailureAt,omitempty"`
	LastStateChangeAt int64  `json:"lastStateChangeAt"`
}

// Breaker is a named three-state guard. The zero value is not usable; use
// New.
type Breaker struct {
	name string
	cfg  params.BreakerConfig
	now  func() time.Time

	mu                sync.Mutex
	state             State
	failures          int
	successes         int
	totalRequests     int
	rejectedRequests  int
	halfOpenSuccesses int
	windowStart       time.Time
	lastFailureAt     time.Time
	lastStateChangeAt time.Time
}

// New constructs a closed breaker with the given tunables.
func New(name string, cfg params.BreakerConfig) *Breaker {
	b := &Breaker{name: name, cfg: cfg, now: time.Now}
	b.windowStart = b.now()
	b.lastStateChangeAt = b.windowStart
	return b
}

// Name returns the breaker's identity.
func (b *Breaker) Name() string {
	return b.name
}

// Call runs fn under the breaker. When the breaker is Open the function is
// not invoked and a CIRCUIT_OPEN taxonomy error is returned instead.
func (b *Breaker) Call(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWindow()
	if b.state == Open {
		if b.now().Sub(b.lastStateChangeAt) >= b.cfg.ResetTimeout {
			b.transition(HalfOpen)
		} else {
			b.rejectedRequests++
			return types.NewErrorf(types.CodeCircuitOpen, "circuit breaker %s is open", b.name)
		}
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWindow()
	b.totalRequests++
	if success {
		b.successes++
		if b.state == HalfOpen {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				b.transition(Closed)
			}
		}
		return
	}
	b.failures++
	b.lastFailureAt = b.now()
	switch b.state {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		if b.failures >= b.cfg.FailureThreshold && b.totalRequests >= b.cfg.MinimumRequests {
			b.transition(Open)
		}
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	log.WithFields(logrus.Fields{
		"breaker": b.name,
		"from":    b.state.String(),
		"to":      next.String(),
	}).Warn("Circuit breaker state change")
	b.state = next
	b.lastStateChangeAt = b.now()
	b.halfOpenSuccesses = 0
	if next == Closed {
		b.failures = 0
		b.successes = 0
		b.totalRequests = 0
		b.windowStart = b.now()
	}
}

// maybeResetWindow must be called with the mutex held. The rolling
// monitoring window restarts once wall-clock time passes its start by the
// monitoring period.
func (b *Breaker) maybeResetWindow() {
	if b.state != Closed {
		return
	}
	if b.now().Sub(b.windowStart) >= b.cfg.MonitoringPeriod {
		b.windowStart = b.now()
		b.failures = 0
		b.successes = 0
		b.totalRequests = 0
	}
}

// State returns the current state, applying the Open -> HalfOpen timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.lastStateChangeAt) >= b.cfg.ResetTimeout {
		b.transition(HalfOpen)
	}
	return b.state
}

// Snapshot returns the breaker's metrics.
func (b *Breaker) Snapshot() Metrics {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Metrics{
		Name:              b.name,
		State:             state.String(),
		Failures:          b.failures,
		Successes:         b.successes,
		TotalRequests:     b.totalRequests,
		RejectedRequests:  b.rejectedRequests,
		LastStateChangeAt: b.lastStateChangeAt.Unix(),
	}
	if !b.lastFailureAt.IsZero() {
		m.LastFailureAt = b.lastFailureAt.Unix()
	}
	return m
}
