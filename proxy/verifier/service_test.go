package verifier

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
)

var (
	testEscrow = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	testUser   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testJobID  = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testPayTx  = common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

// fakeChain implements ChainClient against in-memory escrow state.
type fakeChain struct {
	job        *types.Job
	jobTimeout int64
	receipts   map[common.Hash]*gethtypes.Receipt
	head       *gethtypes.Header

	sent        []*gethtypes.Transaction
	callErr     error
	sendErr     error
	mineRevert  bool
	minedAfter  int // receipt polls before the completion tx appears
	pollCounter int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		jobTimeout: 300,
		receipts:   make(map[common.Hash]*gethtypes.Receipt),
		head:       &gethtypes.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10_000_000_000)},
	}
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := escrowABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "getJobTimeout":
		return escrowABI.Methods["getJobTimeout"].Outputs.Pack(big.NewInt(f.jobTimeout))
	case "getJobDetails":
		job := f.job
		if job == nil {
			job = &types.Job{Amount: big.NewInt(0)}
		}
		var blobHash [32]byte = job.BlobTxHash
		return escrowABI.Methods["getJobDetails"].Outputs.Pack(
			job.User, job.Amount, new(big.Int).SetUint64(job.Timestamp), job.Completed, blobHash)
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	// Completion txs appear after a configurable number of polls.
	if len(f.sent) > 0 && f.sent[len(f.sent)-1].Hash() == txHash {
		f.pollCounter++
		if f.pollCounter > f.minedAfter {
			status := gethtypes.ReceiptStatusSuccessful
			if f.mineRevert {
				status = gethtypes.ReceiptStatusFailed
			}
			return &gethtypes.Receipt{Status: status, BlockNumber: big.NewInt(101)}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) HeaderByNumber(_ context.Context, _ *big.Int) (*gethtypes.Header, error) {
	return f.head, nil
}

func (f *fakeChain) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeChain) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func depositReceipt(jobID common.Hash, escrow common.Address, status uint64) *gethtypes.Receipt {
	return &gethtypes.Receipt{
		Status: status,
		Logs: []*gethtypes.Log{
			{Address: escrow, Topics: []common.Hash{common.HexToHash("0x01"), jobID}},
		},
	}
}

func testService(t *testing.T, chain *fakeChain) *Service {
	t.Helper()
	cfg := params.DefaultConfig()
	cfg.EscrowContract = testEscrow
	cfg.ChainID = 5
	cfg.JobTimeout = 10 * time.Second
	s, err := signer.NewLocal("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", cfg.ChainID)
	require.NoError(t, err)
	brk := breaker.New(breaker.EscrowContract, cfg.Breaker)
	return New(chain, s, brk, cfg)
}

func TestVerifyJobPayment_Valid(t *testing.T) {
	chain := newFakeChain()
	chain.job = &types.Job{
		JobID:     testJobID,
		User:      testUser,
		Amount:    big.NewInt(1e16),
		Timestamp: uint64(time.Now().Unix()),
	}
	chain.receipts[testPayTx] = depositReceipt(testJobID, testEscrow, gethtypes.ReceiptStatusSuccessful)

	res, err := testService(t, chain).VerifyJobPayment(context.Background(), testJobID, testPayTx)
	require.NoError(t, err)
	assert.Equal(t, true, res.Valid)
	assert.Equal(t, true, res.Exists)
	assert.Equal(t, false, res.Completed)
	assert.Equal(t, false, res.IsExpired)
	assert.Equal(t, testUser, res.User)
}

func TestVerifyJobPayment_MissingJob(t *testing.T) {
	chain := newFakeChain()
	res, err := testService(t, chain).VerifyJobPayment(context.Background(), testJobID, testPayTx)
	require.NoError(t, err)
	assert.Equal(t, false, res.Valid)
	assert.Equal(t, false, res.Exists)
	assert.StringContains(t, "not found", res.Reason)
}

func TestVerifyJobPayment_ZeroAmount(t *testing.T) {
	chain := newFakeChain()
	chain.job = &types.Job{User: testUser, Amount: big.NewInt(0), Timestamp: uint64(time.Now().Unix())}
	res, err := testService(t, chain).VerifyJobPayment(context.Background(), testJobID, testPayTx)
	require.NoError(t, err)
	assert.Equal(t, true, res.Exists)
	assert.Equal(t, false, res.Valid)
	assert.StringContains(t, "zero", res.Reason)
}

func TestVerifyJobPayment_RevertedDeposit(t *testing.T) {
	chain := newFakeChain()
	chain.job = &types.Job{User: testUser, Amount: big.NewInt(1e16), Timestamp: uint64(time.Now().Unix())}
	chain.receipts[testPayTx] = depositReceipt(testJobID, testEscrow, gethtypes.ReceiptStatusFailed)
	res, err := testService(t, chain).VerifyJobPayment(context.Background(), testJobID, testPayTx)
	require.NoError(t, err)
	assert.Equal(t, false, res.Valid)
	assert.StringContains(t, "reverted", res.Reason)
}

func TestVerifyJobPayment_WrongJobInReceipt(t *testing.T) {
	chain := newFakeChain()
	chain.job = &types.Job{User: testUser, Amount: big.NewInt(1e16), Timestamp: uint64(time.Now().Unix())}
	otherJob := common.HexToHash("0xcc")
	chain.receipts[testPayTx] = depositReceipt(otherJob, testEscrow, gethtypes.ReceiptStatusSuccessful)
	res, err := testService(t, chain).VerifyJobPayment(context.Background(), testJobID, testPayTx)
	require.NoError(t, err)
	assert.Equal(t, false, res.Valid)
	assert.StringContains(t, "does not match", res.Reason)
}

func TestVerifyJobPayment_Expired(t *testing.T) {
	chain := newFakeChain()
	chain.jobTimeout = 300
	chain.job = &types.Job{
		User:      testUser,
		Amount:    big.NewInt(1e16),
		Timestamp: uint64(time.Now().Add(-time.Hour).Unix()),
	}
	chain.receipts[testPayTx] = depositReceipt(testJobID, testEscrow, gethtypes.ReceiptStatusSuccessful)
	res, err := testService(t, chain).VerifyJobPayment(context.Background(), testJobID, testPayTx)
	require.NoError(t, err)
	assert.Equal(t, true, res.IsExpired)
}

func TestCheckJobStatus(t *testing.T) {
	chain := newFakeChain()
	chain.job = &types.Job{
		User:      testUser,
		Amount:    big.NewInt(1e16),
		Timestamp: uint64(time.Now().Unix()),
		Completed: true,
		BlobTxHash: common.HexToHash(
			"0xdddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"),
	}
	status, err := testService(t, chain).CheckJobStatus(context.Background(), testJobID)
	require.NoError(t, err)
	assert.Equal(t, true, status.Exists)
	assert.Equal(t, true, status.Completed)
	assert.Equal(t, false, status.Valid)
	assert.Equal(t, chain.job.BlobTxHash, status.BlobTxHash)
}

func TestCompleteJob_Success(t *testing.T) {
	chain := newFakeChain()
	svc := testService(t, chain)
	blobTx := common.HexToHash("0xee")

	hash, err := svc.CompleteJob(context.Background(), testJobID, blobTx)
	require.NoError(t, err)
	require.Equal(t, 1, len(chain.sent))
	assert.Equal(t, hash, chain.sent[0].Hash())
	assert.Equal(t, testEscrow, *chain.sent[0].To())

	// Calldata carries completeJob(jobId, blobTxHash).
	var id, blob [32]byte = testJobID, blobTx
	want, err := escrowABI.Pack("completeJob", id, blob)
	require.NoError(t, err)
	assert.DeepEqual(t, want, chain.sent[0].Data())
}

func TestCompleteJob_Revert(t *testing.T) {
	chain := newFakeChain()
	chain.mineRevert = true
	_, err := testService(t, chain).CompleteJob(context.Background(), testJobID, common.HexToHash("0xee"))
	require.NotNil(t, err)
	terr := types.AsError(err)
	assert.Equal(t, types.CodeContractError, terr.Code)
	assert.StringContains(t, "reverted", terr.Message)
}

func TestCompleteJob_BroadcastFailureIsRetryable(t *testing.T) {
	chain := newFakeChain()
	chain.sendErr = context.DeadlineExceeded
	_, err := testService(t, chain).CompleteJob(context.Background(), testJobID, common.HexToHash("0xee"))
	require.NotNil(t, err)
	terr := types.AsError(err)
	assert.Equal(t, types.CodeNetworkError, terr.Code)
	assert.Equal(t, true, terr.Code.Retryable())
}

func TestGetJobDetails_BreakerOpens(t *testing.T) {
	chain := newFakeChain()
	chain.callErr = context.DeadlineExceeded

	svc := testService(t, chain)
	for i := 0; i < svc.cfg.Breaker.FailureThreshold; i++ {
		_, err := svc.CheckJobStatus(context.Background(), testJobID)
		require.NotNil(t, err)
	}
	_, err := svc.CheckJobStatus(context.Background(), testJobID)
	require.NotNil(t, err)
	assert.Equal(t, types.CodeCircuitOpen, types.AsError(err).Code)
}
