package testutil

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tenantgate/internal/domain"
)

// IdentityService is an in-memory stand-in for the federated identity
// service and the tenant registry.
type IdentityService struct {
	mu        sync.Mutex
	tokens    map[string]domain.Identity
	passwords map[string]string
	byPhone   map[string]string
	tenants   map[string]domain.TenantRecord
	bindings  []domain.Binding

	// Unavailable makes every endpoint answer 503.
	Unavailable atomic.Bool

	VerifyCalls atomic.Int64
	LookupCalls atomic.Int64
	BindCalls   atomic.Int64
}

func NewIdentityService() *IdentityService {
	return &IdentityService{
		tokens:    make(map[string]domain.Identity),
		passwords: make(map[string]string),
		byPhone:   make(map[string]string),
		tenants:   make(map[string]domain.TenantRecord),
	}
}

// AddUser registers id under token, and under phone/password for login
// when password is non-empty.
func (s *IdentityService) AddUser(token string, id domain.Identity, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = id
	if password != "" && id.Phone != "" {
		s.passwords[id.Phone] = password
		s.byPhone[id.Phone] = token
	}
}

// AddTenant registers a tenant with the registry.
func (s *IdentityService) AddTenant(rec domain.TenantRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[rec.Code] = rec
}

// Bindings returns the bindings received so far.
func (s *IdentityService) Bindings() []domain.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Binding(nil), s.bindings...)
}

// Handler serves the identity and registry endpoints.
func (s *IdentityService) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/verify-token", func(w http.ResponseWriter, r *http.Request) {
		s.VerifyCalls.Add(1)
		if s.unavailable(w) {
			return
		}
		var req struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Token == "" {
			req.Token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		s.mu.Lock()
		id, ok := s.tokens[req.Token]
		s.mu.Unlock()
		if !ok {
			writeEnvelope(w, http.StatusUnauthorized, false, "token verification failed", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, true, "", map[string]any{"user": id})
	})

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		if s.unavailable(w) {
			return
		}
		var req struct {
			Phone    string `json:"phone"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, false, "invalid JSON body", nil)
			return
		}

		s.mu.Lock()
		pw, ok := s.passwords[req.Phone]
		token := s.byPhone[req.Phone]
		id := s.tokens[token]
		s.mu.Unlock()
		if !ok || pw != req.Password {
			writeEnvelope(w, http.StatusUnauthorized, false, "invalid credentials", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, true, "", map[string]any{
			"token":     token,
			"expiresIn": 3600,
			"user":      id,
		})
	})

	mux.HandleFunc("POST /tenants/bind-user", func(w http.ResponseWriter, r *http.Request) {
		s.BindCalls.Add(1)
		if s.unavailable(w) {
			return
		}
		var b domain.Binding
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			writeEnvelope(w, http.StatusBadRequest, false, "invalid JSON body", nil)
			return
		}
		s.mu.Lock()
		s.bindings = append(s.bindings, b)
		s.mu.Unlock()
		writeEnvelope(w, http.StatusOK, true, "", nil)
	})

	mux.HandleFunc("GET /tenants/{code}", func(w http.ResponseWriter, r *http.Request) {
		s.LookupCalls.Add(1)
		if s.unavailable(w) {
			return
		}
		s.mu.Lock()
		rec, ok := s.tenants[r.PathValue("code")]
		s.mu.Unlock()
		if !ok {
			writeEnvelope(w, http.StatusNotFound, false, "tenant not found", nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "mock-identity"})
	})

	return mux
}

func (s *IdentityService) unavailable(w http.ResponseWriter) bool {
	if !s.Unavailable.Load() {
		return false
	}
	writeEnvelope(w, http.StatusServiceUnavailable, false, "service unavailable", nil)
	return true
}

func writeEnvelope(w http.ResponseWriter, status int, ok bool, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": ok,
		"message": msg,
		"data":    data,
	})
}
