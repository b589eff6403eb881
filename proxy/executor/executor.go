// Package executor builds, signs and lands EIP-4844 type-3 transactions
// carrying one blob each. RPC traffic flows through the blob-executor
// circuit breaker; a broadcast whose receipt cannot be observed is reported
// as possibly landed so the caller can route settlement through the
// completion queue.
package executor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/blobkit/blobproxy/proxy/breaker"
	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/blobkit/blobproxy/proxy/signer"
	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	gethparams "github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "executor")

const (
	// blobTxGasLimit covers the carrier tx: zero-value transfer, no
	// calldata.
	blobTxGasLimit = 21000

	receiptPollEvery  = 2 * time.Second
	maxSendAttempts   = 3
	sendRetryBaseWait = 500 * time.Millisecond
)

// ErrPossiblyLanded marks failures where the blob tx was broadcast but its
// receipt could not be observed; the transaction may still be included.
var ErrPossiblyLanded = errors.New("blob tx possibly landed")

// PossiblyLandedError carries the broadcast tx hash alongside
// ErrPossiblyLanded so the caller can hand settlement to the completion
// queue.
type PossiblyLandedError struct {
	TxHash common.Hash
	Cause  error
}

func (e *PossiblyLandedError) Error() string {
	return fmt.Sprintf("blob tx %s possibly landed: %v", e.TxHash.Hex(), e.Cause)
}

func (e *PossiblyLandedError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrPossiblyLanded) hold for wrapped instances.
func (e *PossiblyLandedError) Is(target error) bool {
	return target == ErrPossiblyLanded
}

// IsPossiblyLanded reports whether err stems from a broadcast blob tx whose
// inclusion could not be confirmed.
func IsPossiblyLanded(err error) bool {
	return errors.Is(err, ErrPossiblyLanded)
}

// PossiblyLandedTxHash extracts the broadcast tx hash from a possibly-landed
// error chain.
func PossiblyLandedTxHash(err error) (common.Hash, bool) {
	var pl *PossiblyLandedError
	if errors.As(err, &pl) {
		return pl.TxHash, true
	}
	return common.Hash{}, false
}

// ChainClient is the subset of ethclient.Client the executor needs.
type ChainClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Service is the blob executor.
type Service struct {
	client ChainClient
	signer signer.TxSigner
	brk    *breaker.Breaker
	cfg    *params.Config

	now func() time.Time
}

// New constructs a blob executor.
func New(client ChainClient, s signer.TxSigner, brk *breaker.Breaker, cfg *params.Config) *Service {
	return &Service{client: client, signer: s, brk: brk, cfg: cfg, now: time.Now}
}

// buildSidecar pads the payload into one blob and computes its KZG
// commitment, proof and versioned hash. The payload arrives already laid
// out in field-element form by the client SDK.
func buildSidecar(payload []byte) (*gethtypes.BlobTxSidecar, common.Hash, error) {
	var blob kzg4844.Blob
	copy(blob[:], payload)
	commitment, err := kzg4844.BlobToCommitment(blob)
	if err != nil {
		return nil, common.Hash{}, errors.Wrap(err, "could not compute blob commitment")
	}
	proof, err := kzg4844.ComputeBlobProof(blob, commitment)
	if err != nil {
		return nil, common.Hash{}, errors.Wrap(err, "could not compute blob proof")
	}
	versionedHash := kzg4844.CalcBlobHashV1(sha256.New(), &commitment)
	sidecar := &gethtypes.BlobTxSidecar{
		Blobs:       []kzg4844.Blob{blob},
		Commitments: []kzg4844.Commitment{commitment},
		Proofs:      []kzg4844.Proof{proof},
	}
	return sidecar, versionedHash, nil
}

// EstimateCost samples the current fee environment and returns the wei cost
// estimate for landing one blob.
func (s *Service) EstimateCost(ctx context.Context) (*big.Int, error) {
	var head *gethtypes.Header
	var tip *big.Int
	err := s.brk.Call(func() error {
		var callErr error
		if head, callErr = s.client.HeaderByNumber(ctx, nil); callErr != nil {
			return callErr
		}
		tip, callErr = s.client.SuggestGasTipCap(ctx)
		return callErr
	})
	if err != nil {
		if types.AsError(err).Code == types.CodeCircuitOpen {
			return nil, err
		}
		return nil, types.WrapError(err, types.CodeNetworkError, "could not sample fee environment")
	}
	return EstimateBlobCost(head, tip, s.maxFeePerGasWei()), nil
}

func (s *Service) maxFeePerGasWei() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(s.cfg.MaxFeePerGasGwei), big.NewInt(gethparams.GWei))
}

// ExecuteBlob lands job's payload as one blob and returns the receipt
// fields. Errors wrapping ErrPossiblyLanded mean the blob may still be
// included and settlement must go through the completion queue.
func (s *Service) ExecuteBlob(ctx context.Context, job *types.BlobJob) (*types.BlobReceipt, error) {
	sidecar, versionedHash, err := buildSidecar(job.Payload)
	if err != nil {
		return nil, types.WrapError(err, types.CodeBlobExecutionFailed, "could not build blob sidecar")
	}

	from := s.signer.Address()
	var head *gethtypes.Header
	var tip *big.Int
	var nonce uint64
	err = s.brk.Call(func() error {
		var callErr error
		if head, callErr = s.client.HeaderByNumber(ctx, nil); callErr != nil {
			return callErr
		}
		if tip, callErr = s.client.SuggestGasTipCap(ctx); callErr != nil {
			return callErr
		}
		nonce, callErr = s.client.PendingNonceAt(ctx, from)
		return callErr
	})
	if err != nil {
		if types.AsError(err).Code == types.CodeCircuitOpen {
			return nil, err
		}
		return nil, types.WrapError(err, types.CodeBlobExecutionFailed, "could not prepare blob tx")
	}

	quote := quoteFees(head, tip, s.maxFeePerGasWei())
	tx := gethtypes.NewTx(&gethtypes.BlobTx{
		ChainID:    uint256.NewInt(s.cfg.ChainID),
		Nonce:      nonce,
		GasTipCap:  uint256.MustFromBig(quote.tipCap),
		GasFeeCap:  uint256.MustFromBig(quote.gasFeeCap),
		Gas:        blobTxGasLimit,
		To:         common.Address{},
		Value:      uint256.NewInt(0),
		BlobFeeCap: uint256.MustFromBig(quote.blobFeeCap),
		BlobHashes: []common.Hash{versionedHash},
		Sidecar:    sidecar,
	})
	signed, err := s.signer.SignTx(ctx, tx)
	if err != nil {
		return nil, types.WrapError(err, types.CodeBlobExecutionFailed, "could not sign blob tx")
	}

	if err := s.broadcast(ctx, signed); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"jobId":         job.JobID.Hex(),
		"txHash":        signed.Hash().Hex(),
		"versionedHash": versionedHash.Hex(),
		"payloadSize":   len(job.Payload),
	}).Info("Broadcast blob tx")

	receipt, err := s.waitMined(ctx, signed.Hash())
	if err != nil {
		// The tx was broadcast; receipt observation failed. Possibly
		// landed: the completion queue reconciles.
		return nil, types.WrapError(
			&PossiblyLandedError{TxHash: signed.Hash(), Cause: err},
			types.CodeBlobExecutionFailed,
			"blob tx broadcast but not confirmed",
		)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, types.NewErrorf(types.CodeBlobExecutionFailed, "blob tx %s reverted", signed.Hash().Hex())
	}

	return &types.BlobReceipt{
		BlobTxHash:  signed.Hash(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlobHash:    versionedHash,
		Commitment:  sidecar.Commitments[0][:],
		Proof:       sidecar.Proofs[0][:],
		BlobIndex:   0,
	}, nil
}

// broadcast sends with bounded in-process retries and jitter; a nonce or
// validation rejection is not retried.
func (s *Service) broadcast(ctx context.Context, tx *gethtypes.Transaction) error {
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if attempt > 0 {
			wait := sendRetryBaseWait<<uint(attempt-1) + time.Duration(rand.Int63n(int64(sendRetryBaseWait)))
			select {
			case <-ctx.Done():
				return types.WrapError(ctx.Err(), types.CodeBlobExecutionFailed, "blob broadcast cancelled")
			case <-time.After(wait):
			}
		}
		err := s.brk.Call(func() error {
			return s.client.SendTransaction(ctx, tx)
		})
		if err == nil {
			return nil
		}
		if types.AsError(err).Code == types.CodeCircuitOpen {
			return err
		}
		lastErr = err
	}
	return types.WrapError(lastErr, types.CodeBlobExecutionFailed, "could not broadcast blob tx")
}

// waitMined polls for the receipt until the job timeout elapses.
func (s *Service) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	deadline := s.now().Add(s.cfg.JobTimeout)
	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()
	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, errors.Wrap(err, "receipt lookup failed")
		}
		if s.now().After(deadline) {
			return nil, errors.Errorf("blob tx %s not mined before timeout", txHash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
