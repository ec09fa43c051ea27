package middleware

import (
	"net/http"

	"github.com/google/uuid"

	gw "tenantgate/internal/gateway"
)

// HeaderRequestID carries the request id in both directions and to the backend.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLen = 128

// RequestID binds a request id to the context. A caller-supplied id is kept
// only when it is short and made of token characters, since it ends up in
// audit records and the headers forwarded to the backend.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(gw.ContextWithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}
