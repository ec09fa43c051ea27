package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
)

// startedWriter remembers whether the response has been committed.
type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (w *startedWriter) WriteHeader(code int) {
	w.started = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *startedWriter) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

func (w *startedWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Recovery turns a handler panic into INTERNAL_ERROR. Tenant leases taken
// further down are released by their own defers while the panic unwinds.
// When the handler already started its response nothing more is written.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &startedWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("panic recovered",
				"error", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", gw.RequestIDFromContext(r.Context()),
				"response_started", sw.started,
				"stack", string(debug.Stack()),
			)
			if sw.started {
				return
			}
			gw.Responder{}.Error(sw, r, domain.Wrap(domain.ErrInternal, fmt.Errorf("panic: %v", rec)), nil)
		}()
		next.ServeHTTP(sw, r)
	})
}
