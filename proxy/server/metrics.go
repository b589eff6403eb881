package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobproxy_http_requests_total",
		Help: "Count of HTTP requests by route and status code.",
	}, []string{"route", "code"})
	httpRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blobproxy_http_request_latency_seconds",
		Help:    "Latency of HTTP requests by route.",
		Buckets: []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"route"})
	errorCodeCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobproxy_errors_total",
		Help: "Count of error responses by taxonomy code.",
	}, []string{"code"})
	rateLimitedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobproxy_rate_limited_total",
		Help: "Count of requests rejected by the rate limiter.",
	})
	blobPayloadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blobproxy_blob_payload_bytes",
		Help:    "Size distribution of accepted blob payloads.",
		Buckets: prometheus.ExponentialBuckets(1024, 2, 8),
	})
	blobSubmissionCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobproxy_blob_submissions_total",
		Help: "Count of blob submissions by codec and outcome.",
	}, []string{"codec", "outcome"})
	cacheHitCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobproxy_job_cache_hits_total",
		Help: "Count of write requests served from the job cache.",
	})
	callbackDropCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobproxy_callbacks_dropped_total",
		Help: "Count of callbacks dropped because the dispatch queue was full.",
	})
)
