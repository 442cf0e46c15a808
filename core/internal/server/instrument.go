package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/core/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics labelled by the matched route pattern,
// so path values never become label values.
func instrument(next http.Handler, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		logger.DebugContext(r.Context(), "http request",
			logging.Method(r.Method), logging.Path(r.URL.Path), logging.Status(rec.status), logging.Duration(elapsed))
	})
}
