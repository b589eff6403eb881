// Package server exposes the proxy's public HTTP API: the authenticated
// blob write pipeline plus read-only job, health and admin endpoints.
package server

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/blobkit/blobproxy/proxy/breaker"
	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/blobkit/blobproxy/proxy/signer"
	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"
	leakybucket "github.com/kevinms/leakybucket-go"
	"github.com/pkg/errors"
	"github.com/rs/cors"
)

// paymentVerifier is the escrow interaction surface the handlers need.
type paymentVerifier interface {
	VerifyJobPayment(ctx context.Context, jobID, paymentTxHash common.Hash) (*types.VerificationResult, error)
	CheckJobStatus(ctx context.Context, jobID common.Hash) (*types.JobStatus, error)
	CompleteJob(ctx context.Context, jobID, blobTxHash common.Hash) (common.Hash, error)
}

// blobExecutor lands payloads as blob transactions.
type blobExecutor interface {
	ExecuteBlob(ctx context.Context, job *types.BlobJob) (*types.BlobReceipt, error)
	EstimateCost(ctx context.Context) (*big.Int, error)
}

// jobStore is the job cache surface: memoized responses plus per-job locks.
type jobStore interface {
	Get(ctx context.Context, jobID common.Hash) ([]byte, error)
	Set(ctx context.Context, jobID common.Hash, body []byte) error
	AcquireLock(ctx context.Context, jobID common.Hash) (string, error)
	ReleaseLock(ctx context.Context, jobID common.Hash, token string)
	ExtendLock(ctx context.Context, jobID common.Hash, token string) bool
}

// completionQueue is the settlement retry surface.
type completionQueue interface {
	Enqueue(ctx context.Context, jobID, blobTxHash common.Hash, cause error) error
	Pending(ctx context.Context) ([]*types.PendingCompletion, error)
}

// headReader samples the execution chain head for health probes.
type headReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Config carries the server's collaborators, built by the node at startup.
type Config struct {
	Proxy      *params.Config
	Verifier   paymentVerifier
	Executor   blobExecutor
	Store      jobStore
	Queue      completionQueue
	Chain      headReader
	Breakers   *breaker.Registry
	SignerAddr common.Address
}

// Server is the public HTTP API service.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg        *params.Config
	verifier   paymentVerifier
	executor   blobExecutor
	store      jobStore
	queue      completionQueue
	chain      headReader
	breakers   *breaker.Registry
	signerAddr common.Address

	limiter       *leakybucket.Collector
	callbacks     *callbackDispatcher
	recoverSigner func(msg, sig []byte) (common.Address, error)

	srv          *http.Server
	startTime    time.Time
	startFailure error
}

// New builds the HTTP API service.
func New(ctx context.Context, cfg *Config) *Server {
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg.Proxy,
		verifier:   cfg.Verifier,
		executor:   cfg.Executor,
		store:      cfg.Store,
		queue:      cfg.Queue,
		chain:      cfg.Chain,
		breakers:   cfg.Breakers,
		signerAddr: cfg.SignerAddr,
		limiter: leakybucket.NewCollector(
			float64(cfg.Proxy.RateLimitRequests)/cfg.Proxy.RateLimitWindow.Seconds(),
			int64(cfg.Proxy.RateLimitRequests),
			true, /* deleteEmptyBuckets */
		),
		callbacks:     newCallbackDispatcher(),
		recoverSigner: signer.RecoverPersonal,
		startTime:     time.Now(),
	}

	router := mux.NewRouter()
	write := chain(
		http.HandlerFunc(s.handleWrite),
		s.hmacMiddleware,
		s.rateLimitMiddleware,
		metricsMiddleware("blob_write"),
		tracingMiddleware("blob_write"),
	)
	router.Handle("/api/v1/blob/write", write).Methods(http.MethodPost)
	router.Handle("/api/v1/job/{jobId}", s.public("job_status", s.handleJob)).Methods(http.MethodGet)
	router.Handle("/api/v1/health", s.public("health", s.handleHealth)).Methods(http.MethodGet)
	router.Handle("/api/v1/health/details", s.public("health_details", s.handleHealthDetails)).Methods(http.MethodGet)
	router.Handle("/api/v1/address", s.public("address", s.handleAddress)).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", sigHeader, timestampHeader, nonceHeader},
	}).Handler(router)

	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout + 30*time.Second,
	}
	return s
}

// chain wraps h in the middlewares, outermost last.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for _, m := range middlewares {
		h = m(h)
	}
	return h
}

// public builds the middleware stack for unauthenticated read endpoints:
// traced and measured, but neither rate limited nor HMAC checked.
func (s *Server) public(route string, h http.HandlerFunc) http.Handler {
	return chain(h, metricsMiddleware(route), tracingMiddleware(route))
}

// Start begins serving the public API.
func (s *Server) Start() {
	go func() {
		log.WithField("address", s.srv.Addr).Info("Starting HTTP API")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP API stopped unexpectedly")
			s.startFailure = err
		}
	}()
}

// Stop drains in-flight requests and pending callbacks.
func (s *Server) Stop() error {
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	s.callbacks.close()
	return err
}

// Status reports the server's health for the service registry.
func (s *Server) Status() error {
	if s.startFailure != nil {
		return s.startFailure
	}
	if s.breakers.AnyOpen() {
		return errors.New("one or more circuit breakers open")
	}
	return nil
}
