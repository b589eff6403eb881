package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"regexp"

	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/ethereum/go-ethereum/common"
)

var hash32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

const maxAppIDLength = 64

// parsedRequest is a write request with its wire fields decoded.
type parsedRequest struct {
	raw       *types.WriteRequest
	jobID     common.Hash
	paymentTx common.Hash
	payload   []byte
	signature []byte
}

func invalidField(field, reason string) *types.Error {
	return types.NewError(types.CodeInvalidRequest, fmt.Sprintf("%s: %s", field, reason))
}

// parseWriteRequest decodes and schema-checks the write body, including the
// payload size bounds, so an oversized blob is rejected before any escrow
// read. Unknown fields are rejected so the signed canonical body cannot
// smuggle extra data past validation.
func parseWriteRequest(body io.Reader, maxBlobSize int) (*parsedRequest, *types.Error) {
	var req types.WriteRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, types.NewErrorf(types.CodeInvalidRequest, "malformed request body: %v", err)
	}

	if !hash32Pattern.MatchString(req.JobID) {
		return nil, invalidField("jobId", "must be a 0x-prefixed 32-byte hex string")
	}
	if !hash32Pattern.MatchString(req.PaymentTxHash) {
		return nil, invalidField("paymentTxHash", "must be a 0x-prefixed 32-byte hex string")
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		return nil, invalidField("payload", "must be base64")
	}
	if len(payload) == 0 {
		return nil, types.NewError(types.CodeBlobEmpty, "payload is empty")
	}
	if len(payload) > maxBlobSize {
		return nil, types.NewErrorf(types.CodeBlobTooLarge, "payload of %d bytes exceeds the %d byte limit", len(payload), maxBlobSize)
	}
	if req.Signature == "" {
		return nil, invalidField("signature", "is required")
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return nil, invalidField("signature", "must be base64")
	}
	if len(signature) != 65 {
		return nil, invalidField("signature", "must be 65 bytes")
	}
	if req.Meta.AppID == "" {
		return nil, invalidField("meta.appId", "is required")
	}
	if len(req.Meta.AppID) > maxAppIDLength {
		return nil, invalidField("meta.appId", fmt.Sprintf("must be at most %d characters", maxAppIDLength))
	}
	if req.Meta.ContentHash != "" && !hash32Pattern.MatchString(req.Meta.ContentHash) {
		return nil, invalidField("meta.contentHash", "must be a 0x-prefixed 32-byte hex string")
	}

	return &parsedRequest{
		raw:       &req,
		jobID:     common.HexToHash(req.JobID),
		paymentTx: common.HexToHash(req.PaymentTxHash),
		payload:   payload,
		signature: signature,
	}, nil
}
