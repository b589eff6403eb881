package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blobkit/blobproxy/network/httputil"
	"github.com/blobkit/blobproxy/proxy/types"
	"go.opencensus.io/trace"
)

const (
	sigHeader       = "X-BlobKit-Signature"
	timestampHeader = "X-BlobKit-Timestamp"
	nonceHeader     = "X-BlobKit-Nonce"
	traceHeader     = "X-Trace-Id"

	sigVersionPrefix = "v1:"
	maxTimestampSkew = 5 * time.Minute

	// maxBodyBytes bounds the write body: a full blob payload base64-encodes
	// to ~175 KiB, leave headroom for the envelope.
	maxBodyBytes = 1 << 20
)

// statusRecorder captures the response code for metrics and logging.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// tracingMiddleware opens a span per request and echoes the trace id so
// clients can correlate failures with proxy logs.
func tracingMiddleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := trace.StartSpan(r.Context(), "blobproxy."+route)
			defer span.End()
			w.Header().Set(traceHeader, span.SpanContext().TraceID.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// metricsMiddleware observes request counts and latency per route.
func metricsMiddleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)
			httpRequestCount.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
			httpRequestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

// clientIP resolves the rate-limit key. When the deployment declares a
// number of trusted reverse-proxy hops, the client address is taken from
// X-Forwarded-For that many hops from the end; otherwise the socket peer
// address is used and forwarded headers are ignored.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.HTTPProxyCount > 0 {
		forwarded := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		if idx := len(forwarded) - s.cfg.HTTPProxyCount; idx >= 0 {
			if ip := strings.TrimSpace(forwarded[idx]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware enforces the per-IP request budget.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.clientIP(r)
		if s.limiter.Remaining(key) < 1 {
			rateLimitedCount.Inc()
			errorCodeCount.WithLabelValues(string(types.CodeRateLimitExceeded)).Inc()
			httputil.WriteError(w, types.NewError(types.CodeRateLimitExceeded, "rate limit exceeded, slow down"))
			return
		}
		s.limiter.Add(key, 1)
		next.ServeHTTP(w, r)
	})
}

// hmacMiddleware authenticates the request against the shared signing
// secret. The signed string is timestamp:nonce:body, with the timestamp and
// nonce taken verbatim from the headers.
func (s *Server) hmacMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig := r.Header.Get(sigHeader)
		tsValue := r.Header.Get(timestampHeader)
		nonce := r.Header.Get(nonceHeader)
		if sig == "" || tsValue == "" || nonce == "" {
			s.rejectUnauthenticated(w, "missing signature headers")
			return
		}
		if !strings.HasPrefix(sig, sigVersionPrefix) {
			s.rejectUnauthenticated(w, "unsupported signature version")
			return
		}
		tsMillis, err := strconv.ParseInt(tsValue, 10, 64)
		if err != nil {
			s.rejectUnauthenticated(w, "malformed signature timestamp")
			return
		}
		skew := time.Since(time.UnixMilli(tsMillis))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxTimestampSkew {
			s.rejectUnauthenticated(w, "signature timestamp outside the allowed window")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			httputil.WriteError(w, types.NewError(types.CodeInvalidRequest, "request body too large or unreadable"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		provided, err := hex.DecodeString(strings.TrimPrefix(sig, sigVersionPrefix))
		if err != nil || len(provided) != sha256.Size {
			s.rejectUnauthenticated(w, "malformed signature")
			return
		}
		mac := hmac.New(sha256.New, []byte(s.cfg.RequestSigningSecret))
		fmt.Fprintf(mac, "%s:%s:", tsValue, nonce)
		mac.Write(body)
		if !hmac.Equal(provided, mac.Sum(nil)) {
			s.rejectUnauthenticated(w, "signature mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rejectUnauthenticated(w http.ResponseWriter, msg string) {
	errorCodeCount.WithLabelValues(string(types.CodeInvalidRequest)).Inc()
	httputil.WriteJSON(w, http.StatusUnauthorized, &types.ErrorResponse{
		Error:   string(types.CodeInvalidRequest),
		Message: msg,
	})
}
