package executor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/blobkit/blobproxy/proxy/breaker"
	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/blobkit/blobproxy/proxy/signer"
	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/blobkit/blobproxy/testing/assert"
	"github.com/blobkit/blobproxy/testing/require"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethparams "github.com/ethereum/go-ethereum/params"
)

type fakeChain struct {
	head *gethtypes.Header

	sent       []*gethtypes.Transaction
	sendErrs   []error // consumed per SendTransaction call
	mineRevert bool
	noReceipt  bool
	polls      int
}

func newFakeChain() *fakeChain {
	excess := uint64(0)
	return &fakeChain{
		head: &gethtypes.Header{
			Number:        big.NewInt(500),
			BaseFee:       big.NewInt(10 * gethparams.GWei),
			ExcessBlobGas: &excess,
		},
	}
}

func (f *fakeChain) HeaderByNumber(_ context.Context, _ *big.Int) (*gethtypes.Header, error) {
	return f.head, nil
}

func (f *fakeChain) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(gethparams.GWei), nil
}

func (f *fakeChain) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 3, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if f.noReceipt || len(f.sent) == 0 || f.sent[len(f.sent)-1].Hash() != txHash {
		f.polls++
		return nil, ethereum.NotFound
	}
	status := gethtypes.ReceiptStatusSuccessful
	if f.mineRevert {
		status = gethtypes.ReceiptStatusFailed
	}
	return &gethtypes.Receipt{Status: status, BlockNumber: big.NewInt(501)}, nil
}

func testService(t *testing.T, chain *fakeChain) *Service {
	t.Helper()
	cfg := params.DefaultConfig()
	cfg.ChainID = 5
	cfg.JobTimeout = time.Second
	s, err := signer.NewLocal("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", cfg.ChainID)
	require.NoError(t, err)
	svc := New(chain, s, breaker.New(breaker.BlobExecutor, cfg.Breaker), cfg)
	// Fail fast when the fake never produces a receipt.
	svc.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	if !chain.noReceipt {
		svc.now = time.Now
	}
	return svc
}

func sequentialPayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		// Keep every 32-byte field element canonical.
		if i%32 != 0 {
			payload[i] = byte(i)
		}
	}
	return payload
}

func TestExecuteBlob_HappyPath(t *testing.T) {
	chain := newFakeChain()
	svc := testService(t, chain)

	job := &types.BlobJob{
		JobID:   common.HexToHash("0xaa"),
		Payload: sequentialPayload(1000),
	}
	receipt, err := svc.ExecuteBlob(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 1, len(chain.sent))

	tx := chain.sent[0]
	assert.Equal(t, uint8(gethtypes.BlobTxType), tx.Type())
	assert.Equal(t, uint64(blobTxGasLimit), tx.Gas())
	assert.Equal(t, common.Address{}, *tx.To())
	require.Equal(t, 1, len(tx.BlobHashes()))
	assert.Equal(t, receipt.BlobHash, tx.BlobHashes()[0])
	// Versioned hash must carry the 0x01 version byte.
	assert.Equal(t, byte(0x01), receipt.BlobHash[0])
	assert.Equal(t, uint64(501), receipt.BlockNumber)
	assert.Equal(t, uint32(0), receipt.BlobIndex)
	assert.Equal(t, 48, len(receipt.Commitment))
	assert.Equal(t, 48, len(receipt.Proof))
}

func TestExecuteBlob_RetriesTransientBroadcast(t *testing.T) {
	chain := newFakeChain()
	chain.sendErrs = []error{context.DeadlineExceeded, nil}
	svc := testService(t, chain)

	_, err := svc.ExecuteBlob(context.Background(), &types.BlobJob{Payload: sequentialPayload(64)})
	require.NoError(t, err)
	assert.Equal(t, 1, len(chain.sent))
}

func TestExecuteBlob_Revert(t *testing.T) {
	chain := newFakeChain()
	chain.mineRevert = true
	svc := testService(t, chain)

	_, err := svc.ExecuteBlob(context.Background(), &types.BlobJob{Payload: sequentialPayload(64)})
	require.NotNil(t, err)
	terr := types.AsError(err)
	assert.Equal(t, types.CodeBlobExecutionFailed, terr.Code)
	assert.StringContains(t, "reverted", terr.Message)
}

func TestExecuteBlob_PossiblyLanded(t *testing.T) {
	chain := newFakeChain()
	chain.noReceipt = true
	svc := testService(t, chain)

	_, err := svc.ExecuteBlob(context.Background(), &types.BlobJob{Payload: sequentialPayload(64)})
	require.NotNil(t, err)
	assert.Equal(t, true, IsPossiblyLanded(err))
	assert.Equal(t, 1, len(chain.sent), "tx must have been broadcast")
}

func TestFakeExponential(t *testing.T) {
	tests := []struct {
		factor, numerator, denominator, want int64
	}{
		{1, 0, 1, 1},
		{38493, 0, 1000, 38493},
		{1, 2, 1, 6},     // e^2 ~ 7.39, integer approximation truncates
		{2, 5, 2, 23},    // 2*e^2.5 ~ 24.36
		{1, 50000000, 2225652, 5709098764}, // EIP-4844 reference vector
	}
	for _, tt := range tests {
		got := fakeExponential(big.NewInt(tt.factor), big.NewInt(tt.numerator), big.NewInt(tt.denominator))
		assert.Equal(t, tt.want, got.Int64(), "fakeExponential(%d, %d, %d)", tt.factor, tt.numerator, tt.denominator)
	}
}

func TestQuoteFees_CeilingApplies(t *testing.T) {
	excess := uint64(0)
	head := &gethtypes.Header{BaseFee: big.NewInt(400 * gethparams.GWei), ExcessBlobGas: &excess}
	ceiling := new(big.Int).Mul(big.NewInt(500), big.NewInt(gethparams.GWei))
	q := quoteFees(head, big.NewInt(2*gethparams.GWei), ceiling)
	assert.Equal(t, 0, q.gasFeeCap.Cmp(ceiling), "gas fee cap must be clamped to the ceiling")
}

func TestQuoteFees_BlobFeeHeadroom(t *testing.T) {
	excess := uint64(0)
	head := &gethtypes.Header{BaseFee: big.NewInt(gethparams.GWei), ExcessBlobGas: &excess}
	q := quoteFees(head, big.NewInt(1), big.NewInt(0))
	// At zero excess the blob gas price is the minimum (1 wei); 1.5x
	// headroom over it is 1 after integer division.
	assert.Equal(t, int64(1), q.blobFeeCap.Int64())
}

func TestEstimateBlobCost_Positive(t *testing.T) {
	excess := uint64(0)
	head := &gethtypes.Header{BaseFee: big.NewInt(gethparams.GWei), ExcessBlobGas: &excess}
	cost := EstimateBlobCost(head, big.NewInt(1), big.NewInt(0))
	assert.Equal(t, 1, cost.Sign())
}
