package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tenantgate/internal/domain"
)

// Responder renders JSON bodies and the error envelope. Details are only
// written when Dev is set.
type Responder struct {
	Dev bool
}

// JSON writes v with status.
func (Responder) JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes err as the error envelope. Errors that are not domain errors
// are logged and rendered as INTERNAL_ERROR.
func (rs Responder) Error(w http.ResponseWriter, r *http.Request, err error, details map[string]any) {
	de, ok := domain.AsError(err)
	if !ok {
		slog.Error("unhandled error",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		de = domain.Wrap(domain.ErrInternal, err)
	} else if de.Status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"code", de.Code,
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
	}

	resp := domain.ErrorResponse{Code: de.Code, Message: de.Message}
	if rs.Dev {
		resp.Details = map[string]any{}
		for k, v := range details {
			resp.Details[k] = v
		}
		if de.Err != nil {
			resp.Details["error"] = de.Err.Error()
		}
		if len(resp.Details) == 0 {
			resp.Details = nil
		}
	}
	rs.JSON(w, de.Status, resp)
}
