package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/blobkit/blobproxy/network/httputil"
	"github.com/blobkit/blobproxy/proxy/breaker"
	"github.com/blobkit/blobproxy/proxy/executor"
	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// writeTimeout bounds one write request end to end: payment verification,
// blob inclusion and settlement all happen within it.
const writeTimeout = 5 * time.Minute

// handleWrite serves POST /api/v1/blob/write.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	req, perr := parseWriteRequest(r.Body, s.cfg.MaxBlobSize)
	if perr != nil {
		s.writeError(w, perr)
		return
	}
	lg := log.WithFields(logrus.Fields{
		"jobId": req.jobID.Hex(),
		"appId": req.raw.Meta.AppID,
	})

	// Idempotency short-circuit: a completed job replays its memoized
	// response byte-identical.
	if cached, err := s.store.Get(ctx, req.jobID); err != nil {
		s.handleError(w, err)
		return
	} else if cached != nil {
		cacheHitCount.Inc()
		lg.Debug("Serving write from job cache")
		httputil.WriteRaw(w, http.StatusOK, cached)
		return
	}

	verification, err := s.verifier.VerifyJobPayment(ctx, req.jobID, req.paymentTx)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if verification.Completed {
		s.writeError(w, types.NewError(types.CodeJobAlreadyCompleted, "job already completed in escrow"))
		return
	}
	if !verification.Valid {
		s.writeError(w, paymentError(verification))
		return
	}

	signerAddr, err := s.recoverPayloadSigner(req)
	if err != nil {
		s.writeError(w, types.NewError(types.CodeSignatureInvalid, "payload signature is not recoverable"))
		return
	}
	if signerAddr != verification.User {
		s.writeError(w, types.NewError(types.CodeSignatureInvalid, "payload signer does not match escrow depositor"))
		return
	}

	if terr := s.checkDepositCovers(ctx, verification.Amount); terr != nil {
		s.writeError(w, terr)
		return
	}

	token, err := s.store.AcquireLock(ctx, req.jobID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if token == "" {
		s.writeError(w, types.NewError(types.CodeJobLocked, "job is being processed by another request"))
		return
	}
	// Release under a fresh context so a cancelled request cannot leak the
	// lease for its full TTL.
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		s.store.ReleaseLock(releaseCtx, req.jobID, token)
	}()
	// Blob inclusion and settlement can outlive the lock lease; keep the
	// lease alive while they run.
	stopExtending := s.keepLockAlive(ctx, req.jobID, token)
	defer stopExtending()

	receipt, err := s.executor.ExecuteBlob(ctx, &types.BlobJob{JobID: req.jobID, Payload: req.payload})
	if err != nil {
		blobSubmissionCount.WithLabelValues(codecLabel(req.raw.Meta.Codec), "failure").Inc()
		if txHash, ok := executor.PossiblyLandedTxHash(err); ok {
			// The blob may still be included; the completion queue
			// reconciles settlement against the escrow.
			lg.WithError(err).WithField("blobTxHash", txHash.Hex()).Warn("Blob inclusion unconfirmed, enqueueing settlement reconciliation")
			if qerr := s.queue.Enqueue(ctx, req.jobID, txHash, err); qerr != nil {
				lg.WithError(qerr).Error("Could not enqueue settlement reconciliation")
			}
		}
		s.handleError(w, err)
		return
	}
	blobPayloadBytes.Observe(float64(len(req.payload)))
	blobSubmissionCount.WithLabelValues(codecLabel(req.raw.Meta.Codec), "success").Inc()

	completionTxHash := types.PendingCompletionTxHash
	completionTx, err := s.verifier.CompleteJob(ctx, req.jobID, receipt.BlobTxHash)
	if err != nil {
		lg.WithError(err).WithField("blobTxHash", receipt.BlobTxHash.Hex()).Warn("Settlement failed, enqueueing for retry")
		if qerr := s.queue.Enqueue(ctx, req.jobID, receipt.BlobTxHash, err); qerr != nil {
			lg.WithError(qerr).Error("Could not enqueue settlement retry")
		}
	} else {
		completionTxHash = completionTx.Hex()
	}

	resp := &types.WriteResponse{
		Success:          true,
		JobID:            req.jobID.Hex(),
		BlobTxHash:       receipt.BlobTxHash.Hex(),
		BlockNumber:      receipt.BlockNumber,
		BlobHash:         receipt.BlobHash.Hex(),
		Commitment:       hexutil.Encode(receipt.Commitment),
		Proof:            hexutil.Encode(receipt.Proof),
		BlobIndex:        receipt.BlobIndex,
		CompletionTxHash: completionTxHash,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if err := s.store.Set(ctx, req.jobID, body); err != nil {
		// The blob landed; losing the memo only weakens replay, not the
		// outcome.
		lg.WithError(err).Warn("Could not memoize terminal response")
	}

	if cb := req.raw.Meta.CallbackURL; cb != "" {
		if validCallbackURL(cb) {
			s.callbacks.enqueue(cb, req.jobID.Hex(), body)
		} else {
			lg.WithField("callbackUrl", cb).Warn("Ignoring non-HTTPS callback URL")
		}
	}

	lg.WithFields(logrus.Fields{
		"blobTxHash":       receipt.BlobTxHash.Hex(),
		"blockNumber":      receipt.BlockNumber,
		"completionTxHash": completionTxHash,
	}).Info("Blob write completed")
	httputil.WriteRaw(w, http.StatusOK, body)
}

func (s *Server) recoverPayloadSigner(req *parsedRequest) (common.Address, error) {
	return s.recoverSigner(req.payload, req.signature)
}

// keepLockAlive refreshes the job lease at half-TTL intervals so work that
// outlives one lease (receipt polling runs up to the job timeout) keeps its
// mutual exclusion. The returned stop func is idempotent and waits for the
// refresher to exit, so no extension can race the lock release.
func (s *Server) keepLockAlive(ctx context.Context, jobID common.Hash, token string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.cfg.LockLeaseTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.store.ExtendLock(ctx, jobID, token) {
					log.WithField("jobId", jobID.Hex()).Warn("Job lock lease lost during execution")
					return
				}
			}
		}
	}()
	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}

// paymentError maps an invalid verification outcome onto the taxonomy.
func paymentError(v *types.VerificationResult) *types.Error {
	switch {
	case !v.Exists:
		return types.NewError(types.CodePaymentNotFound, "no escrow deposit found for job")
	case v.IsExpired:
		return types.NewError(types.CodeJobExpired, "escrow deposit has expired")
	default:
		return types.NewErrorf(types.CodePaymentInvalid, "payment invalid: %s", v.Reason)
	}
}

// checkDepositCovers enforces the deposit-sufficiency estimate including the
// configured proxy fee. A failed fee sample is not fatal; the executor will
// surface real fee problems at submission time.
func (s *Server) checkDepositCovers(ctx context.Context, deposit *big.Int) *types.Error {
	estimate, err := s.executor.EstimateCost(ctx)
	if err != nil {
		log.WithError(err).Warn("Could not estimate blob cost, skipping sufficiency check")
		return nil
	}
	required := new(big.Int).Mul(estimate, big.NewInt(int64(100+s.cfg.ProxyFeePercent)))
	required.Div(required, big.NewInt(100))
	if deposit.Cmp(required) < 0 {
		return types.NewErrorf(types.CodePaymentInvalid,
			"insufficient payment: deposit %s wei does not cover the estimated cost %s wei", deposit, required)
	}
	return nil
}

func codecLabel(codec string) string {
	if codec == "" {
		return "unspecified"
	}
	return codec
}

// handleJob serves GET /api/v1/job/{jobId}.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobId"]
	if !hash32Pattern.MatchString(id) {
		s.writeError(w, invalidField("jobId", "must be a 0x-prefixed 32-byte hex string"))
		return
	}
	status, err := s.verifier.CheckJobStatus(r.Context(), common.HexToHash(id))
	if err != nil {
		s.handleError(w, err)
		return
	}
	resp := &types.JobResponse{Exists: status.Exists, Completed: status.Completed}
	if status.Exists {
		resp.User = status.User.Hex()
		resp.Amount = status.Amount.String()
		resp.Timestamp = status.Timestamp
		if status.BlobTxHash != (common.Hash{}) {
			resp.BlobTxHash = status.BlobTxHash.Hex()
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// healthResponse is the body of GET /api/v1/health.
type healthResponse struct {
	Status          string            `json:"status"`
	Version         string            `json:"version"`
	ChainID         uint64            `json:"chainId"`
	Signer          string            `json:"signer"`
	EscrowContract  string            `json:"escrowContract"`
	ProxyFeePercent int               `json:"proxyFeePercent"`
	MaxBlobSize     int               `json:"maxBlobSize"`
	Uptime          int64             `json:"uptime"`
	CircuitBreakers []breaker.Metrics `json:"circuitBreakers"`
}

func (s *Server) health() *healthResponse {
	status := "healthy"
	if s.breakers.AnyOpen() {
		status = "degraded"
	}
	return &healthResponse{
		Status:          status,
		Version:         s.cfg.Version,
		ChainID:         s.cfg.ChainID,
		Signer:          s.signerAddr.Hex(),
		EscrowContract:  s.cfg.EscrowContract.Hex(),
		ProxyFeePercent: s.cfg.ProxyFeePercent,
		MaxBlobSize:     s.cfg.MaxBlobSize,
		Uptime:          int64(time.Since(s.startTime).Seconds()),
		CircuitBreakers: s.breakers.Snapshot(),
	}
}

// handleHealth serves the shallow probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.health())
}

// healthDetails adds the deep probes to the shallow body.
type healthDetails struct {
	*healthResponse
	RPCHealthy  bool                    `json:"rpcHealthy"`
	HeadBlock   uint64                  `json:"headBlock,omitempty"`
	BlocksLag   uint64                  `json:"blocksLag"`
	QueueDepth  int                     `json:"queueDepth"`
	QueueFrozen bool                    `json:"queueFrozen"`
	Pending     []pendingCompletionView `json:"pendingCompletions,omitempty"`
}

type pendingCompletionView struct {
	JobID         string `json:"jobId"`
	BlobTxHash    string `json:"blobTxHash"`
	RetryCount    int    `json:"retryCount"`
	LastError     string `json:"lastError,omitempty"`
	LastAttemptAt int64  `json:"lastAttemptAt"`
}

// handleHealthDetails serves the deep probe. An unreachable execution RPC
// flips the status to unhealthy with a 503.
func (s *Server) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	details := &healthDetails{healthResponse: s.health()}

	head, err := s.chain.HeaderByNumber(r.Context(), nil)
	if err != nil {
		log.WithError(err).Warn("Health probe could not reach execution RPC")
		details.Status = "unhealthy"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, details)
		return
	}
	details.RPCHealthy = true
	details.HeadBlock = head.Number.Uint64()
	if now := uint64(time.Now().Unix()); now > head.Time {
		details.BlocksLag = (now - head.Time) / 12
	}

	pending, err := s.queue.Pending(r.Context())
	if err != nil {
		details.QueueFrozen = true
		details.Status = "degraded"
	}
	details.QueueDepth = len(pending)
	for _, entry := range pending {
		details.Pending = append(details.Pending, pendingCompletionView{
			JobID:         entry.JobID.Hex(),
			BlobTxHash:    entry.BlobTxHash.Hex(),
			RetryCount:    entry.RetryCount,
			LastError:     entry.LastError,
			LastAttemptAt: entry.LastAttemptAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

// handleAddress serves the proxy signer address.
func (s *Server) handleAddress(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"address": s.signerAddr.Hex()})
}

func (s *Server) writeError(w http.ResponseWriter, err *types.Error) {
	errorCodeCount.WithLabelValues(string(err.Code)).Inc()
	httputil.WriteError(w, err)
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	errorCodeCount.WithLabelValues(string(types.AsError(err).Code)).Inc()
	httputil.HandleError(w, err)
}
