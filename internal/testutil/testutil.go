package testutil

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tenantgate/internal/domain"
	"tenantgate/internal/gateway/adapter/keyring"
)

// TestSecret is the signing secret used by NewKeyring.
const TestSecret = "test-signing-secret"

// NewKeyring returns a keyring signing with TestSecret under kid "test".
func NewKeyring(t testing.TB) *keyring.Keyring {
	t.Helper()
	k, err := keyring.New(keyring.Key{ID: "test", Secret: []byte(TestSecret)}, nil, time.Hour)
	if err != nil {
		t.Fatalf("creating keyring: %v", err)
	}
	return k
}

// IssueToken signs a local token for user in tenant.
func IssueToken(t testing.TB, k *keyring.Keyring, user domain.User, tenant string) string {
	t.Helper()
	pair, err := k.Issue(user, tenant)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	return pair.AccessToken
}

// HashPassword bcrypt-hashes pw at minimum cost.
func HashPassword(t testing.TB, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	return string(h)
}

// MockBackendHandler echoes the request and the headers injected by the
// gateway, so proxy tests can assert on what the backend saw.
func MockBackendHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"backend":          name,
			"method":           r.Method,
			"path":             r.URL.Path,
			"query":            r.URL.RawQuery,
			"tenant":           r.Header.Get("X-Tenant-Code"),
			"principal_id":     r.Header.Get("X-Principal-ID"),
			"principal_role":   r.Header.Get("X-Principal-Role"),
			"data_scope":       r.Header.Get("X-Data-Scope"),
			"kindergarten_id":  r.Header.Get("X-Kindergarten-ID"),
			"kindergarten_ids": r.Header.Get("X-Kindergarten-IDs"),
			"request_id":       r.Header.Get("X-Request-ID"),
			"authorization":    r.Header.Get("Authorization"),
			"internal_service": r.Header.Get("X-Internal-Service"),
			"internal_token":   r.Header.Get("X-Internal-Token"),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}
