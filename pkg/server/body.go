package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"
)

// decodeBody reads and parses the JSON body under the configured size and
// read-time limits. It writes the error response itself and reports whether
// the caller may proceed.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	controller := http.NewResponseController(w)
	// SetReadDeadline is best effort; recorders used in tests don't support it
	_ = controller.SetReadDeadline(time.Now().Add(s.cfg.BodyReadTimeout))

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
		case errors.Is(err, os.ErrDeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, "body_read_timeout", "request body read timed out")
		default:
			writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		}
		return false
	}
	_ = controller.SetReadDeadline(time.Time{})

	if err := json.Unmarshal(raw, v); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
