// Package queue durably retries escrow settlement for jobs whose blob
// landed on chain but whose completeJob call did not. Entries live in Redis
// so any proxy instance can drain them after a crash or redeploy.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/blobkit/blobproxy/async"
	"github.com/blobkit/blobproxy/proxy/breaker"
	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "queue")

const (
	setKey         = "blobproxy:completions"
	entryKeyPrefix = "blobproxy:completion:"

	baseBackoff = 30 * time.Second
	maxBackoff  = 5 * time.Minute
)

// Settler completes jobs against the escrow contract.
type Settler interface {
	CheckJobStatus(ctx context.Context, jobID common.Hash) (*types.JobStatus, error)
	CompleteJob(ctx context.Context, jobID common.Hash, blobTxHash common.Hash) (common.Hash, error)
}

// JobStore is the slice of the job cache the drainer needs: per-job locks
// plus the memoized terminal response it patches after settlement.
type JobStore interface {
	AcquireLock(ctx context.Context, jobID common.Hash) (string, error)
	ReleaseLock(ctx context.Context, jobID common.Hash, token string)
	ExtendLock(ctx context.Context, jobID common.Hash, token string) bool
	Get(ctx context.Context, jobID common.Hash) ([]byte, error)
	Set(ctx context.Context, jobID common.Hash, body []byte) error
}

// Service drains the completion queue in the background.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	client  redis.UniversalClient
	brk     *breaker.Breaker
	settler Settler
	store   JobStore
	cfg     *params.Config

	now func() time.Time
}

// New builds the completion queue service.
func New(ctx context.Context, client redis.UniversalClient, brk *breaker.Breaker, settler Settler, store JobStore, cfg *params.Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:     ctx,
		cancel:  cancel,
		client:  client,
		brk:     brk,
		settler: settler,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start launches the periodic drain loop.
func (s *Service) Start() {
	log.WithField("every", s.cfg.QueueDrainEvery).Info("Starting completion queue drainer")
	async.RunEvery(s.ctx, s.cfg.QueueDrainEvery, func() {
		if err := s.Drain(s.ctx); err != nil {
			log.WithError(err).Error("Completion queue drain failed")
		}
	})
}

// Stop halts the drain loop.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status reports queue store health.
func (s *Service) Status() error {
	if s.brk.State() == breaker.Open {
		return errors.New("completion queue store circuit open")
	}
	return nil
}

func entryKey(jobID common.Hash) string {
	return entryKeyPrefix + jobID.Hex()
}

// Enqueue records jobID for settlement retry. Idempotent: re-enqueueing an
// existing entry preserves its retry state.
func (s *Service) Enqueue(ctx context.Context, jobID, blobTxHash common.Hash, cause error) error {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	now := s.now().Unix()
	err := s.brk.Call(func() error {
		pipe := s.client.TxPipeline()
		pipe.SAdd(ctx, setKey, jobID.Hex())
		key := entryKey(jobID)
		pipe.HSetNX(ctx, key, "enqueuedAt", now)
		pipe.HSetNX(ctx, key, "retryCount", 0)
		pipe.HSetNX(ctx, key, "lastAttemptAt", now)
		pipe.HSet(ctx, key, "blobTxHash", blobTxHash.Hex(), "lastError", lastErr)
		pipe.Expire(ctx, key, s.cfg.QueueEntryTTL)
		_, pipeErr := pipe.Exec(ctx)
		return pipeErr
	})
	if err != nil {
		return types.WrapError(err, types.CodeNetworkError, "could not enqueue completion")
	}
	log.WithFields(logrus.Fields{
		"jobId":      jobID.Hex(),
		"blobTxHash": blobTxHash.Hex(),
	}).Info("Enqueued job for settlement retry")
	return nil
}

// Remove drops jobID from the queue.
func (s *Service) Remove(ctx context.Context, jobID common.Hash) error {
	err := s.brk.Call(func() error {
		pipe := s.client.TxPipeline()
		pipe.SRem(ctx, setKey, jobID.Hex())
		pipe.Del(ctx, entryKey(jobID))
		_, pipeErr := pipe.Exec(ctx)
		return pipeErr
	})
	if err != nil {
		return types.WrapError(err, types.CodeNetworkError, "could not remove completion entry")
	}
	return nil
}

// Pending lists the queued entries.
func (s *Service) Pending(ctx context.Context) ([]*types.PendingCompletion, error) {
	var entries []*types.PendingCompletion
	err := s.brk.Call(func() error {
		ids, err := s.client.SMembers(ctx, setKey).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			entry, err := s.readEntry(ctx, common.HexToHash(id))
			if err != nil {
				return err
			}
			if entry != nil {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, types.WrapError(err, types.CodeNetworkError, "could not list completion queue")
	}
	return entries, nil
}

func (s *Service) readEntry(ctx context.Context, jobID common.Hash) (*types.PendingCompletion, error) {
	fields, err := s.client.HGetAll(ctx, entryKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		// Entry expired out from under the set; drop the dangling member.
		s.client.SRem(ctx, setKey, jobID.Hex())
		return nil, nil
	}
	retries, _ := strconv.Atoi(fields["retryCount"])
	lastAttempt, _ := strconv.ParseInt(fields["lastAttemptAt"], 10, 64)
	enqueued, _ := strconv.ParseInt(fields["enqueuedAt"], 10, 64)
	return &types.PendingCompletion{
		JobID:         jobID,
		BlobTxHash:    common.HexToHash(fields["blobTxHash"]),
		RetryCount:    retries,
		LastError:     fields["lastError"],
		LastAttemptAt: lastAttempt,
		EnqueuedAt:    enqueued,
	}, nil
}

// backoff returns the wait before attempt n+1.
func backoff(n int) time.Duration {
	d := baseBackoff << uint(n)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Drain walks the queue once and settles every due entry.
func (s *Service) Drain(ctx context.Context) error {
	entries, err := s.Pending(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if s.now().Unix() < entry.LastAttemptAt+int64(backoff(entry.RetryCount).Seconds()) {
			continue
		}
		s.settle(ctx, entry)
	}
	return nil
}

// settle runs one settlement attempt under the per-job lock.
func (s *Service) settle(ctx context.Context, entry *types.PendingCompletion) {
	lg := log.WithFields(logrus.Fields{
		"jobId":      entry.JobID.Hex(),
		"blobTxHash": entry.BlobTxHash.Hex(),
		"retryCount": entry.RetryCount,
	})

	token, err := s.store.AcquireLock(ctx, entry.JobID)
	if err != nil {
		lg.WithError(err).Warn("Could not acquire lock for settlement retry")
		return
	}
	if token == "" {
		// Another worker is on it.
		return
	}
	defer s.store.ReleaseLock(ctx, entry.JobID, token)
	// CompleteJob polls for its receipt and can outlive one lease.
	stopExtending := s.keepLockAlive(ctx, entry.JobID, token)
	defer stopExtending()

	status, err := s.settler.CheckJobStatus(ctx, entry.JobID)
	if err == nil && status.Completed {
		lg.Info("Job settled elsewhere, dropping queue entry")
		if err := s.Remove(ctx, entry.JobID); err != nil {
			lg.WithError(err).Warn("Could not remove settled entry")
		}
		return
	}

	completionTx, err := s.settler.CompleteJob(ctx, entry.JobID, entry.BlobTxHash)
	if err != nil {
		s.recordFailure(ctx, entry, err, lg)
		return
	}

	lg.WithField("completionTxHash", completionTx.Hex()).Info("Settled job from completion queue")
	s.patchCachedResponse(ctx, entry.JobID, completionTx)
	if err := s.Remove(ctx, entry.JobID); err != nil {
		lg.WithError(err).Warn("Could not remove settled entry")
	}
}

// keepLockAlive refreshes the settlement lease at half-TTL intervals until
// the returned stop func runs. Stop is idempotent and waits for the
// refresher to exit, so no extension can race the lock release.
func (s *Service) keepLockAlive(ctx context.Context, jobID common.Hash, token string) func() {
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
					log.WithField("jobId", jobID.Hex()).Warn("Settlement lock lease lost")
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

func (s *Service) recordFailure(ctx context.Context, entry *types.PendingCompletion, cause error, lg *logrus.Entry) {
	retries := entry.RetryCount + 1
	if retries >= s.cfg.QueueMaxRetries {
		// Funds stay in escrow until the job expires and the user refunds;
		// flag for the operator instead of retrying forever.
		lg.WithError(cause).Error("Completion retries exhausted, operator intervention required")
		if err := s.Remove(ctx, entry.JobID); err != nil {
			lg.WithError(err).Warn("Could not remove exhausted entry")
		}
		return
	}
	lg.WithError(cause).WithField("nextBackoff", backoff(retries)).Warn("Settlement attempt failed")
	err := s.brk.Call(func() error {
		return s.client.HSet(ctx, entryKey(entry.JobID),
			"retryCount", retries,
			"lastAttemptAt", s.now().Unix(),
			"lastError", cause.Error(),
		).Err()
	})
	if err != nil {
		lg.WithError(err).Warn("Could not record settlement failure")
	}
}

// patchCachedResponse rewrites the memoized terminal response so later
// duplicate submissions observe the real completion tx hash instead of the
// pending sentinel.
func (s *Service) patchCachedResponse(ctx context.Context, jobID, completionTx common.Hash) {
	body, err := s.store.Get(ctx, jobID)
	if err != nil || body == nil {
		return
	}
	var resp types.WriteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	if resp.CompletionTxHash != types.PendingCompletionTxHash {
		return
	}
	resp.CompletionTxHash = completionTx.Hex()
	patched, err := json.Marshal(&resp)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, jobID, patched); err != nil {
		log.WithError(err).WithField("jobId", jobID.Hex()).Warn("Could not patch cached response")
	}
}
