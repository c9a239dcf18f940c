package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ferro-labs/edge-gateway/internal/circuitbreaker"
)

// Error types reported in error bodies, logs and the errors metric.
const (
	ErrTypeCircuitOpen    = "circuit_open"
	ErrTypeTimeout        = "timeout"
	ErrTypeTransport      = "transport"
	ErrTypeCanceled       = "canceled"
	ErrTypeRequestBody    = "request_body"
	ErrTypeUpstreamStatus = "upstream_status"
)

// StatusClientClosedRequest is recorded when the client disconnects before
// the upstream answered.
const StatusClientClosedRequest = 499

// Classify maps a failed proxy call to its error type and client status.
// Only circuitbreaker.ErrCanceled, set when the inbound request's context has
// ended, is reported as canceled; upstream dial or TLS timeouts are transport
// failures even though they match context.DeadlineExceeded.
func Classify(err error) (errType string, status int) {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return ErrTypeCircuitOpen, http.StatusServiceUnavailable
	case errors.Is(err, circuitbreaker.ErrCallTimeout):
		return ErrTypeTimeout, http.StatusGatewayTimeout
	case errors.Is(err, circuitbreaker.ErrCanceled):
		return ErrTypeCanceled, StatusClientClosedRequest
	default:
		return ErrTypeTransport, http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
		},
	})
}
