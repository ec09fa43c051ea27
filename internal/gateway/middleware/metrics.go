package middleware

import (
	"net/http"
	"time"

	gw "tenantgate/internal/gateway"
	"tenantgate/internal/platform/telemetry"
)

// UnmatchedRoute labels requests no route claimed. Raw paths carry role
// and permission codes and would make the label unbounded.
const UnmatchedRoute = "unmatched"

// Metrics records request count and latency labelled by the route pattern
// the router matched. Place it outermost.
func Metrics(m *telemetry.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &gw.StatusWriter{ResponseWriter: w, Code: http.StatusOK}
			info, r := sharedInfo(r)

			next.ServeHTTP(sw, r)

			m.RecordHTTPRequest(r.Context(), r.Method, routeLabel(info), sw.Code, time.Since(start).Seconds())
		})
	}
}

// routeLabel returns the noted route pattern or UnmatchedRoute.
func routeLabel(info *requestInfo) string {
	if info.route == "" {
		return UnmatchedRoute
	}
	return info.route
}
