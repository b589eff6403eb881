package types

import (
	"errors"
	"net/http"
	"testing"

	"github.com/blobkit/blobproxy/testing/assert"
	"github.com/blobkit/blobproxy/testing/require"
	pkgerrors "github.com/pkg/errors"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{CodePaymentInvalid, http.StatusBadRequest},
		{CodeJobAlreadyCompleted, http.StatusNotFound},
		{CodeJobLocked, http.StatusTooEarly},
		{CodeRateLimitExceeded, http.StatusTooManyRequests},
		{CodeCircuitOpen, http.StatusServiceUnavailable},
		{CodeContractError, http.StatusBadGateway},
		{ErrorCode("SOMETHING_NEW"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.code.HTTPStatus(), "status for %s", tt.code)
	}
}

func TestAsError_PassesThroughTaxonomyErrors(t *testing.T) {
	orig := NewError(CodeBlobTooLarge, "payload exceeds max blob size")
	wrapped := pkgerrors.Wrap(orig, "handling write")
	got := AsError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, CodeBlobTooLarge, got.Code)
}

func TestAsError_RedactsUnknownErrors(t *testing.T) {
	got := AsError(errors.New("pq: connection refused at 10.0.0.5"))
	require.NotNil(t, got)
	assert.Equal(t, CodeInternalError, got.Code)
	assert.Equal(t, "internal error", got.Message)
	// The cause survives for logging.
	assert.ErrorContains(t, "connection refused", got.Unwrap())
}

func TestWrapError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := WrapError(cause, CodeNetworkError, "escrow read failed")
	assert.Equal(t, true, errors.Is(err, cause))
	assert.Equal(t, true, err.Code.Retryable())
	assert.StringContains(t, "NETWORK_ERROR", err.Error())
}

func TestError_WithDetail(t *testing.T) {
	err := NewError(CodeInvalidRequest, "validation failed").WithDetail("field", "jobId")
	require.NotNil(t, err.Details)
	assert.Equal(t, "jobId", err.Details["field"])
}
