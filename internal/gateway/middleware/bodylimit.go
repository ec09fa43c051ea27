package middleware

import (
	"mime"
	"net/http"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
)

// JSONBody guards the in-process mutation endpoints. A declared
// Content-Type must be application/json, a declared length over maxBytes is
// rejected up front, and reading an undeclared oversize body fails with
// *http.MaxBytesError.
func JSONBody(maxBytes int64, rs gw.Responder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ct := r.Header.Get("Content-Type"); ct != "" {
				mt, _, err := mime.ParseMediaType(ct)
				if err != nil || mt != "application/json" {
					rs.Error(w, r, domain.ErrMediaType, map[string]any{"contentType": ct})
					return
				}
			}
			if r.ContentLength > maxBytes {
				rs.Error(w, r, domain.ErrPayloadTooLarge, map[string]any{"limit": maxBytes})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
