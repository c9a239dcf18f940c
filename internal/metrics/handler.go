package metrics

import (
	"bytes"
	"net/http"

	"github.com/ferro-labs/edge-gateway/internal/logging"
)

// Handler serves the registry snapshot. It counts itself in the metrics and
// read aggregates before rendering, so a scrape always includes its own
// request.
func Handler(reg *Registry) http.HandlerFunc {
	own := reg.Set(OpMetrics, "metrics")
	sets := Sets{own, reg.KindSet(KindRead)}

	return func(w http.ResponseWriter, r *http.Request) {
		sets.Request()

		var buf bytes.Buffer
		err := own.Time(func() error {
			return reg.Render(&buf)
		})
		if err != nil {
			sets.Failed()
			logging.FromContext(r.Context()).Error("metrics request failed", "error", err)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("Metrics not available: " + err.Error()))
			return
		}

		sets.Succeeded()
		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}
}
