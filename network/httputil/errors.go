// Package httputil provides JSON response helpers shared by the proxy's
// HTTP handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "httputil")

// WriteError renders a taxonomy error as the standard error body
// {error, message, details} with the code's HTTP status.
func WriteError(w http.ResponseWriter, err *types.Error) {
	WriteJSON(w, err.Code.HTTPStatus(), &types.ErrorResponse{
		Error:   string(err.Code),
		Message: err.Message,
		Details: err.Details,
	})
}

// HandleError maps any error through the taxonomy and writes it. Unknown
// errors are redacted to INTERNAL_ERROR; the cause stays in the logs under
// the request's trace id.
func HandleError(w http.ResponseWriter, err error) {
	terr := types.AsError(err)
	if terr.Code == types.CodeInternalError && terr.Unwrap() != nil {
		log.WithError(terr.Unwrap()).Error("Unhandled internal error")
	}
	WriteError(w, terr)
}

// WriteJSON writes v as a JSON response body with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not write response body")
	}
}

// WriteRaw writes pre-encoded JSON bytes unchanged. Used for cached terminal
// responses, which must be returned byte-identical.
func WriteRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		log.WithError(err).Error("Could not write response body")
	}
}
