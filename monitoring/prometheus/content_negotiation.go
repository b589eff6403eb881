package prometheus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/golang/gddo/httputil"
)

const (
	contentTypePlainText = "text/plain"
	contentTypeJSON      = "application/json"
)

// healthzResponse is the negotiated /healthz body: a plain text buffer or a
// JSON document, depending on the request's Accept header.
type healthzResponse struct {
	// Err is a protocol error, if any.
	Err string `json:"error"`

	// Data is the per-service status payload.
	Data interface{} `json:"data"`
}

// negotiateContentType parses the "Accept:" header and returns the preferred
// content type. Plain text wins when the client expresses no preference.
func negotiateContentType(r *http.Request) string {
	offers := []string{
		contentTypePlainText,
		contentTypeJSON,
	}
	return httputil.NegotiateContentType(r, offers, contentTypePlainText)
}

// writeNegotiated renders the response in the client's preferred content type.
func writeNegotiated(w http.ResponseWriter, r *http.Request, response healthzResponse) error {
	switch negotiateContentType(r) {
	case contentTypePlainText:
		buf, ok := response.Data.(bytes.Buffer)
		if !ok {
			return fmt.Errorf("unexpected data: %v", response.Data)
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("could not write response body: %w", err)
		}
	case contentTypeJSON:
		w.Header().Set("Content-Type", contentTypeJSON)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			return err
		}
	}
	return nil
}
