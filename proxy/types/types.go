// Package types holds the wire and domain contracts shared by the proxy
// services: the escrow job view, the write request/response shapes, and the
// error taxonomy surfaced to API clients.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Job mirrors the escrow contract's jobs[jobId] view. The user address is
// established by the escrow deposit and never trusted from a request body.
type Job struct {
	JobID      common.Hash
	User       common.Address
	Amount     *big.Int
	Timestamp  uint64
	Completed  bool
	BlobTxHash common.Hash
}

// VerificationResult is the outcome of a full deposit verification.
type VerificationResult struct {
	Valid     bool
	Exists    bool
	Completed bool
	IsExpired bool
	User      common.Address
	Amount    *big.Int
	Timestamp uint64
	Reason    string
}

// JobStatus is the lighter escrow view used by the completion retry queue
// and the read-only job endpoint.
type JobStatus struct {
	Exists     bool
	Completed  bool
	Valid      bool
	IsExpired  bool
	User       common.Address
	Amount     *big.Int
	Timestamp  uint64
	BlobTxHash common.Hash
}

// BlobJob carries one payload through the executor. The payload is already
// laid out in blob field-element form by the client SDK; the executor only
// pads it into a full blob.
type BlobJob struct {
	JobID   common.Hash
	Payload []byte
}

// BlobReceipt is what the executor returns once the type-3 transaction has
// been included with a successful status.
type BlobReceipt struct {
	BlobTxHash  common.Hash
	BlockNumber uint64
	BlobHash    common.Hash
	Commitment  []byte
	Proof       []byte
	BlobIndex   uint32
}

// WriteMeta is the client-supplied metadata object. Unknown fields are
// rejected during validation so that the HMAC-canonicalized body stays
// stable; Extra exists for forward compatibility.
type WriteMeta struct {
	AppID       string            `json:"appId"`
	Codec       string            `json:"codec,omitempty"`
	ContentHash string            `json:"contentHash,omitempty"`
	TTLBlocks   uint64            `json:"ttlBlocks,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	Filename    string            `json:"filename,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// WriteRequest is the JSON body of POST /api/v1/blob/write.
type WriteRequest struct {
	JobID         string    `json:"jobId"`
	PaymentTxHash string    `json:"paymentTxHash"`
	Payload       string    `json:"payload"`
	Signature     string    `json:"signature"`
	Meta          WriteMeta `json:"meta"`
	Timestamp     int64     `json:"timestamp,omitempty"`
}

// PendingCompletionTxHash is the sentinel completionTxHash value returned
// when the blob landed but escrow settlement is still being retried.
const PendingCompletionTxHash = "pending"

// WriteResponse is the terminal response for a job. Once written to the job
// cache it is immutable; duplicate submissions return it byte-identical.
type WriteResponse struct {
	Success          bool   `json:"success"`
	JobID            string `json:"jobId"`
	BlobTxHash       string `json:"blobTxHash"`
	BlockNumber      uint64 `json:"blockNumber"`
	BlobHash         string `json:"blobHash"`
	Commitment       string `json:"commitment"`
	Proof            string `json:"proof"`
	BlobIndex        uint32 `json:"blobIndex"`
	CompletionTxHash string `json:"completionTxHash"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// JobResponse is the body of GET /api/v1/job/{jobId}.
type JobResponse struct {
	Exists     bool   `json:"exists"`
	Completed  bool   `json:"completed"`
	User       string `json:"user,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Timestamp  uint64 `json:"timestamp,omitempty"`
	BlobTxHash string `json:"blobTxHash,omitempty"`
}

// PendingCompletion is one durable completion-queue entry.
type PendingCompletion struct {
	JobID         common.Hash
	BlobTxHash    common.Hash
	RetryCount    int
	LastError     string
	LastAttemptAt int64
	EnqueuedAt    int64
}
