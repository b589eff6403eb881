package server

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	callbackQueueDepth = 64
	callbackTimeout    = 10 * time.Second
)

// callbackJob is one best-effort notification POST.
type callbackJob struct {
	url   string
	jobID string
	body  []byte
}

// callbackDispatcher delivers completion callbacks from a single worker with
// a bounded queue. Delivery is best effort: a full queue drops the callback
// and a failed POST is logged, never retried.
type callbackDispatcher struct {
	client *http.Client
	jobs   chan callbackJob
	done   chan struct{}
}

func newCallbackDispatcher() *callbackDispatcher {
	d := &callbackDispatcher{
		client: &http.Client{Timeout: callbackTimeout},
		jobs:   make(chan callbackJob, callbackQueueDepth),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *callbackDispatcher) run() {
	for job := range d.jobs {
		d.deliver(job)
	}
	close(d.done)
}

func (d *callbackDispatcher) deliver(job callbackJob) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, job.url, bytes.NewReader(job.body))
	if err != nil {
		log.WithError(err).WithField("jobId", job.jobID).Warn("Could not build callback request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		log.WithError(err).WithField("jobId", job.jobID).Warn("Callback delivery failed")
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close callback response body")
		}
	}()
	if resp.StatusCode >= 300 {
		log.WithFields(logrus.Fields{
			"jobId":  job.jobID,
			"status": resp.StatusCode,
		}).Warn("Callback endpoint rejected notification")
	}
}

// enqueue submits a callback, dropping it when the queue is full.
func (d *callbackDispatcher) enqueue(callbackURL, jobID string, body []byte) {
	select {
	case d.jobs <- callbackJob{url: callbackURL, jobID: jobID, body: body}:
	default:
		callbackDropCount.Inc()
		log.WithField("jobId", jobID).Warn("Callback queue full, dropping notification")
	}
}

// close drains the worker; pending callbacks are still delivered.
func (d *callbackDispatcher) close() {
	close(d.jobs)
	<-d.done
}

// validCallbackURL accepts only absolute https URLs without userinfo.
func validCallbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != "" && u.User == nil
}
