package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tenantgate/internal/domain"
	"tenantgate/internal/gateway/middleware"
)

func TestRecoveryRendersInternalError(t *testing.T) {
	handler := middleware.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("store exploded")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/kindergartens", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	var errResp domain.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if errResp.Code != "INTERNAL_ERROR" || errResp.Success {
		t.Errorf("expected INTERNAL_ERROR envelope, got %+v", errResp)
	}
	if errResp.Details != nil {
		t.Errorf("panic text must not leak, got %v", errResp.Details)
	}
}

func TestRecoveryAfterResponseStarted(t *testing.T) {
	handler := middleware.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true`))
		panic("midway")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/students", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status must stay 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("error envelope appended to a started response: %s", rec.Body.String())
	}
}

func TestRecoveryRepanicsAbort(t *testing.T) {
	handler := middleware.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
