// Package health serves the gateway liveness endpoint. The check is a
// liveness signal, not a readiness probe: by default it performs no
// downstream calls.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ferro-labs/edge-gateway/internal/logging"
	"github.com/ferro-labs/edge-gateway/internal/metrics"
)

// Status values reported in the response body.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Checker is the timed body of a health check. A nil Checker always passes.
type Checker func(ctx context.Context) error

// Response is the JSON body returned by the handler.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Service string `json:"service"`
}

// Handler returns the health endpoint. Each call is counted in the
// health_check set and in the shared metrics and read aggregates.
func Handler(reg *metrics.Registry, check Checker) http.HandlerFunc {
	own := reg.Set(metrics.OpHealthCheck, "health check")
	sets := metrics.Sets{
		own,
		reg.Set(metrics.OpMetrics, "metrics"),
		reg.KindSet(metrics.KindRead),
	}
	service := reg.Service()

	return func(w http.ResponseWriter, r *http.Request) {
		sets.Request()

		err := own.Time(func() error {
			return run(r.Context(), check)
		})
		if err != nil {
			sets.Failed()
			logging.FromContext(r.Context()).Error("health check failed", "error", err)
			msg := err.Error()
			if msg == "" {
				msg = http.StatusText(http.StatusInternalServerError)
			}
			writeJSON(w, http.StatusInternalServerError, Response{
				Status:  StatusError,
				Message: msg,
				Service: service,
			})
			return
		}

		sets.Succeeded()
		writeJSON(w, http.StatusOK, Response{Status: StatusOK, Service: service})
	}
}

func run(ctx context.Context, check Checker) (err error) {
	if check == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("health check panicked: %v", p)
		}
	}()
	return check(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
