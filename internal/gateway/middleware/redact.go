package middleware

import (
	"context"
	"net/http"
	"strings"
)

// MaskToken keeps the first eight characters of a credential.
func MaskToken(tok string) string {
	if len(tok) <= 8 {
		return "***"
	}
	return tok[:8] + "..."
}

// MaskPhone keeps the first three and last four digits: 138****8000.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) < 8 {
		return "***"
	}
	return phone[:3] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-4:]
}

type requestInfoKey struct{}

// requestInfo carries identifiers discovered by inner middleware and the
// router back out to Metrics and Logging.
type requestInfo struct {
	tenant    string
	principal int64
	route     string
}

// sharedInfo returns the holder already bound to r, binding a new one when
// r has none, so Metrics and Logging observe the same notes.
func sharedInfo(r *http.Request) (*requestInfo, *http.Request) {
	if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
		return info, r
	}
	info := &requestInfo{}
	return info, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))
}

func noteTenant(ctx context.Context, code string) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.tenant = code
	}
}

func notePrincipal(ctx context.Context, id int64) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.principal = id
	}
}

// NoteRoute records the matched route pattern, without its method, as the
// metrics label for the request.
func NoteRoute(ctx context.Context, pattern string) {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		pattern = path
	}
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.route = pattern
	}
}
