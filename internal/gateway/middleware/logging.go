package middleware

import (
	"log/slog"
	"net/http"
	"time"

	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/authn"
)

// Logging returns a middleware that logs each request using slog.
// Bearer tokens are logged only as a masked prefix.
func Logging(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &gw.StatusWriter{ResponseWriter: w, Code: http.StatusOK}

			// Tenant and principal are attached further down the chain, so
			// they are read back through a shared holder.
			info, r := sharedInfo(r)
			next.ServeHTTP(sw, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"route", info.route,
				"status", sw.Code,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
				"request_id", gw.RequestIDFromContext(r.Context()),
				"tenant", info.tenant,
				"principal_id", info.principal,
				"remote_addr", r.RemoteAddr,
			}
			if tok, ok := authn.BearerToken(r); ok {
				attrs = append(attrs, "token", MaskToken(tok))
			}
			logger.Info("request", attrs...)
		})
	}
}
