package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// unmatchedRoute labels requests no route matched, so arbitrary paths cannot
// grow label cardinality.
const unmatchedRoute = "unmatched"

// routeLabel returns the path part of the ServeMux pattern that served r,
// e.g. "/v1/holds/{id}" for pattern "GET /v1/holds/{id}".
func routeLabel(r *http.Request) string {
	pattern := r.Pattern
	if pattern == "" {
		return unmatchedRoute
	}
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		pattern = pattern[i+1:]
	}
	return pattern
}

// HTTPMetrics records request count, latency and body sizes labelled by
// route pattern. It must wrap the *http.ServeMux directly: the mux sets
// r.Pattern on the request it is handed. Probe and scrape endpoints are
// excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isProbePath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				routeLabel(r),
				strconv.Itoa(rec.status),
				time.Since(start).Seconds(),
				max(r.ContentLength, 0),
				int64(rec.bytes),
			)
		})
	}
}
