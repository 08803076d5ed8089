package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/coordinator"
	"github.com/modelgate/modelgate/pkg/provider"
)

// envelope is the JSON shape of every non-SSE response.
type envelope struct {
	Type  string     `json:"type"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Type: "response", Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Type: "error", Error: &errorBody{Code: code, Message: message}})
}

// errorStatus maps an execution error to its HTTP status and error code.
func errorStatus(err error) (int, string) {
	var valErr *coordinator.ValidationError
	if errors.As(err, &valErr) {
		return http.StatusBadRequest, "validation_error"
	}
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized, "unauthorized"
	}
	var admErr *AdmissionError
	if errors.As(err, &admErr) {
		if admErr.QueueFull {
			return http.StatusTooManyRequests, "admission_queue_full"
		}
		return http.StatusServiceUnavailable, "admission_queue_timeout"
	}
	var execErr *provider.ExecutionError
	if errors.As(err, &execErr) {
		if execErr.IsRateLimit {
			return http.StatusTooManyRequests, "rate_limited"
		}
		return http.StatusBadGateway, "provider_error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeErrorFor(w http.ResponseWriter, err error) {
	// pass the provider's own backoff hint through to the caller
	var execErr *provider.ExecutionError
	if errors.As(err, &execErr) && execErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(execErr.RetryAfter.Seconds())))
	}
	status, code := errorStatus(err)
	writeError(w, status, code, err.Error())
}
