// Package verifier checks escrow deposits and settles jobs through the
// escrow contract's completeJob call. All contract traffic flows through the
// escrow-contract circuit breaker.
package verifier

import (
	"context"
	"math/big"
	"time"

	"github.com/blobkit/blobproxy/proxy/breaker"
	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/blobkit/blobproxy/proxy/signer"
	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "verifier")

const (
	jobTimeoutCacheKey = "escrow-job-timeout"
	jobTimeoutCacheTTL = 10 * time.Minute
	receiptPollEvery   = 2 * time.Second
	gasEstimateMargin  = 20 // percent
)

// ChainClient is the subset of ethclient.Client the verifier needs.
type ChainClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// Service implements the payment verifier over the escrow contract.
type Service struct {
	client  ChainClient
	escrow  common.Address
	chainID uint64
	signer  signer.TxSigner
	brk     *breaker.Breaker
	cfg     *params.Config

	memo *gocache.Cache
	now  func() time.Time
}

// New constructs a verifier bound to the escrow contract address.
func New(client ChainClient, s signer.TxSigner, brk *breaker.Breaker, cfg *params.Config) *Service {
	return &Service{
		client:  client,
		escrow:  cfg.EscrowContract,
		chainID: cfg.ChainID,
		signer:  s,
		brk:     brk,
		cfg:     cfg,
		memo:    gocache.New(jobTimeoutCacheTTL, jobTimeoutCacheTTL),
		now:     time.Now,
	}
}

// getJobDetails reads the escrow's jobs[jobId] view.
func (s *Service) getJobDetails(ctx context.Context, jobID common.Hash) (*types.Job, error) {
	var id [32]byte = jobID
	data, err := escrowABI.Pack("getJobDetails", id)
	if err != nil {
		return nil, errors.Wrap(err, "could not pack getJobDetails")
	}
	var ret []byte
	err = s.brk.Call(func() error {
		var callErr error
		ret, callErr = s.client.CallContract(ctx, ethereum.CallMsg{To: &s.escrow, Data: data}, nil)
		return callErr
	})
	if err != nil {
		if types.AsError(err).Code == types.CodeCircuitOpen {
			return nil, err
		}
		return nil, types.WrapError(err, types.CodeContractError, "escrow read failed")
	}
	vals, err := escrowABI.Unpack("getJobDetails", ret)
	if err != nil {
		return nil, types.WrapError(err, types.CodeContractError, "could not decode escrow job view")
	}
	job := &types.Job{
		JobID:      jobID,
		User:       vals[0].(common.Address),
		Amount:     vals[1].(*big.Int),
		Timestamp:  vals[2].(*big.Int).Uint64(),
		Completed:  vals[3].(bool),
		BlobTxHash: vals[4].([32]byte),
	}
	return job, nil
}

// JobTimeout returns the escrow's declared job timeout, memoized for ten
// minutes. When the contract read fails, the configured JOB_TIMEOUT is used
// so expiry checks stay conservative rather than blocking.
func (s *Service) JobTimeout(ctx context.Context) time.Duration {
	if v, ok := s.memo.Get(jobTimeoutCacheKey); ok {
		return v.(time.Duration)
	}
	data, err := escrowABI.Pack("getJobTimeout")
	if err != nil {
		return s.cfg.JobTimeout
	}
	var ret []byte
	err = s.brk.Call(func() error {
		var callErr error
		ret, callErr = s.client.CallContract(ctx, ethereum.CallMsg{To: &s.escrow, Data: data}, nil)
		return callErr
	})
	if err != nil {
		log.WithError(err).Warn("Could not read escrow job timeout, using configured default")
		return s.cfg.JobTimeout
	}
	vals, err := escrowABI.Unpack("getJobTimeout", ret)
	if err != nil {
		return s.cfg.JobTimeout
	}
	timeout := time.Duration(vals[0].(*big.Int).Int64()) * time.Second
	s.memo.Set(jobTimeoutCacheKey, timeout, gocache.DefaultExpiration)
	return timeout
}

// ProbeEscrow verifies the escrow contract is readable at the configured
// address. Used as a startup probe; failures are fatal at boot.
func (s *Service) ProbeEscrow(ctx context.Context) error {
	data, err := escrowABI.Pack("getJobTimeout")
	if err != nil {
		return errors.Wrap(err, "could not pack getJobTimeout")
	}
	ret, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.escrow, Data: data}, nil)
	if err != nil {
		return errors.Wrap(err, "escrow contract not readable")
	}
	if _, err := escrowABI.Unpack("getJobTimeout", ret); err != nil {
		return errors.Wrap(err, "unexpected getJobTimeout response, wrong contract address?")
	}
	return nil
}

func jobExists(job *types.Job) bool {
	return job.User != (common.Address{}) || job.Timestamp != 0
}

func (s *Service) isExpired(ctx context.Context, job *types.Job) bool {
	if job.Timestamp == 0 {
		return false
	}
	age := s.now().Sub(time.Unix(int64(job.Timestamp), 0))
	return age > s.JobTimeout(ctx)
}

// VerifyJobPayment confirms a deposit exists, is unspent and matches the
// claimed payment transaction. Completed is returned as-is; the caller
// decides whether it is fatal for its path.
func (s *Service) VerifyJobPayment(ctx context.Context, jobID, paymentTxHash common.Hash) (*types.VerificationResult, error) {
	job, err := s.getJobDetails(ctx, jobID)
	if err != nil {
		return nil, err
	}
	res := &types.VerificationResult{
		Exists:    jobExists(job),
		Completed: job.Completed,
		User:      job.User,
		Amount:    job.Amount,
		Timestamp: job.Timestamp,
	}
	if !res.Exists {
		res.Reason = "job not found in escrow"
		return res, nil
	}
	res.IsExpired = s.isExpired(ctx, job)
	if job.Amount == nil || job.Amount.Sign() == 0 {
		res.Reason = "deposit amount is zero"
		return res, nil
	}

	var receipt *gethtypes.Receipt
	err = s.brk.Call(func() error {
		var callErr error
		receipt, callErr = s.client.TransactionReceipt(ctx, paymentTxHash)
		return callErr
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			res.Reason = "payment transaction not found"
			return res, nil
		}
		if types.AsError(err).Code == types.CodeCircuitOpen {
			return nil, err
		}
		return nil, types.WrapError(err, types.CodeContractError, "could not read payment receipt")
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		res.Reason = "payment transaction reverted"
		return res, nil
	}
	// The deposit must have touched the escrow with this jobId; the log
	// check also proves the payment tx targeted the escrow contract.
	if !receiptMentionsJob(receipt, s.escrow, jobID) {
		res.Reason = "payment transaction does not match jobId"
		return res, nil
	}

	res.Valid = true
	return res, nil
}

func receiptMentionsJob(receipt *gethtypes.Receipt, escrow common.Address, jobID common.Hash) bool {
	for _, l := range receipt.Logs {
		if l.Address != escrow {
			continue
		}
		for _, topic := range l.Topics {
			if topic == jobID {
				return true
			}
		}
	}
	return false
}

// CheckJobStatus is the lighter escrow view used by the completion retry
// queue and the read-only job endpoint.
func (s *Service) CheckJobStatus(ctx context.Context, jobID common.Hash) (*types.JobStatus, error) {
	job, err := s.getJobDetails(ctx, jobID)
	if err != nil {
		return nil, err
	}
	status := &types.JobStatus{
		Exists:     jobExists(job),
		Completed:  job.Completed,
		User:       job.User,
		Amount:     job.Amount,
		Timestamp:  job.Timestamp,
		BlobTxHash: job.BlobTxHash,
	}
	if status.Exists {
		status.IsExpired = s.isExpired(ctx, job)
		status.Valid = !status.Completed && !status.IsExpired && job.Amount != nil && job.Amount.Sign() > 0
	}
	return status, nil
}

// CompleteJob sends the escrow's completeJob(jobId, blobTxHash) call signed
// by the proxy key, waits for inclusion and returns the completion tx hash.
// Transport failures are NETWORK_ERROR (retryable via the completion
// queue); a mined revert is CONTRACT_ERROR and fatal.
func (s *Service) CompleteJob(ctx context.Context, jobID, blobTxHash common.Hash) (common.Hash, error) {
	var id, blob [32]byte = jobID, blobTxHash
	data, err := escrowABI.Pack("completeJob", id, blob)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not pack completeJob")
	}

	from := s.signer.Address()
	var nonce uint64
	var gas uint64
	var tip *big.Int
	var head *gethtypes.Header
	err = s.brk.Call(func() error {
		var callErr error
		if nonce, callErr = s.client.PendingNonceAt(ctx, from); callErr != nil {
			return callErr
		}
		if gas, callErr = s.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &s.escrow, Data: data}); callErr != nil {
			return callErr
		}
		if tip, callErr = s.client.SuggestGasTipCap(ctx); callErr != nil {
			return callErr
		}
		head, callErr = s.client.HeaderByNumber(ctx, nil)
		return callErr
	})
	if err != nil {
		if types.AsError(err).Code == types.CodeCircuitOpen {
			return common.Hash{}, err
		}
		return common.Hash{}, types.WrapError(err, types.CodeNetworkError, "could not prepare completion tx")
	}

	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(s.chainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * (100 + gasEstimateMargin) / 100,
		To:        &s.escrow,
		Data:      data,
	})
	signed, err := s.signer.SignTx(ctx, tx)
	if err != nil {
		if errors.Is(err, signer.ErrDenied) {
			return common.Hash{}, types.WrapError(err, types.CodeContractError, "signer denied completion tx")
		}
		return common.Hash{}, types.WrapError(err, types.CodeNetworkError, "could not sign completion tx")
	}

	err = s.brk.Call(func() error {
		return s.client.SendTransaction(ctx, signed)
	})
	if err != nil {
		if types.AsError(err).Code == types.CodeCircuitOpen {
			return common.Hash{}, err
		}
		return common.Hash{}, types.WrapError(err, types.CodeNetworkError, "could not broadcast completion tx")
	}

	log.WithFields(logrus.Fields{
		"jobId":  jobID.Hex(),
		"txHash": signed.Hash().Hex(),
	}).Info("Broadcast escrow completion tx")

	receipt, err := s.waitMined(ctx, signed.Hash())
	if err != nil {
		return common.Hash{}, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return common.Hash{}, types.NewErrorf(types.CodeContractError, "completion tx %s reverted", signed.Hash().Hex())
	}
	return signed.Hash(), nil
}

// waitMined polls for the receipt until the job timeout elapses.
func (s *Service) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	deadline := s.now().Add(s.JobTimeout(ctx))
	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()
	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, types.WrapError(err, types.CodeNetworkError, "could not read completion receipt")
		}
		if s.now().After(deadline) {
			return nil, types.NewErrorf(types.CodeNetworkError, "completion tx %s not mined before timeout", txHash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, types.WrapError(ctx.Err(), types.CodeNetworkError, "completion wait cancelled")
		case <-ticker.C:
		}
	}
}
