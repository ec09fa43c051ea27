package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tenantgate/internal/domain"
	"tenantgate/internal/platform/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.GatewayAddr != ":8080" {
		t.Errorf("expected default gateway addr :8080, got %q", cfg.GatewayAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %q", cfg.LogLevel)
	}
	if cfg.Tenant.Strict {
		t.Error("expected permissive resolution outside production")
	}
	if cfg.Tenant.DefaultTenant != "demo" {
		t.Errorf("expected default tenant demo, got %q", cfg.Tenant.DefaultTenant)
	}
	if cfg.Token.TTL != 7*24*time.Hour {
		t.Errorf("expected 7d token TTL, got %v", cfg.Token.TTL)
	}
	if cfg.Upstream.Timeout != 10*time.Second {
		t.Errorf("expected 10s upstream timeout, got %v", cfg.Upstream.Timeout)
	}
	if cfg.Internal.Enabled {
		t.Error("internal bypass must be off by default")
	}
	if !cfg.RoleFallback.Enabled || cfg.RoleFallback.Code != "parent" {
		t.Errorf("unexpected role fallback defaults: %+v", cfg.RoleFallback)
	}
	if len(cfg.Routes) != len(config.DefaultRoutes) {
		t.Errorf("expected default routes, got %d", len(cfg.Routes))
	}
	if cfg.Upstream.TenantRegistryURL != cfg.Upstream.UnifiedAuthURL {
		t.Errorf("expected registry to default to the identity service URL")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GATEWAY_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TENANT_DOMAIN_PATTERNS", `^(k\d+)\.yyup\.cc$, ^(t\d+)\.example\.com$`)
	t.Setenv("DB_ACQUIRE_TIMEOUT", "250ms")
	t.Setenv("INTERNAL_BYPASS_ENABLED", "true")
	t.Setenv("INTERNAL_TRUSTED_CIDRS", "10.0.0.0/8")
	t.Setenv("JWT_PREVIOUS_KEYS", "old:s1, older:s2,bogus")
	t.Setenv("PERMISSION_CACHE_BACKEND", "redis")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.GatewayAddr != ":9090" {
		t.Errorf("expected :9090, got %q", cfg.GatewayAddr)
	}
	if len(cfg.Tenant.DomainPatterns) != 2 {
		t.Errorf("expected 2 patterns, got %v", cfg.Tenant.DomainPatterns)
	}
	if cfg.Database.AcquireTimeout != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.Database.AcquireTimeout)
	}
	if !cfg.Internal.Enabled || cfg.Internal.TrustedCIDRs[0] != "10.0.0.0/8" {
		t.Errorf("unexpected internal config: %+v", cfg.Internal)
	}
	if len(cfg.Token.PreviousKeys) != 2 || cfg.Token.PreviousKeys[1].ID != "older" {
		t.Errorf("unexpected previous keys: %+v", cfg.Token.PreviousKeys)
	}
	if cfg.Cache.Backend != "redis" {
		t.Errorf("expected redis backend, got %q", cfg.Cache.Backend)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("DB_MAX_LEASES", "lots")
	t.Setenv("TENANT_STRICT", "maybe")
	t.Setenv("JWT_TTL", "a week")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.MaxLeases != 200 {
		t.Errorf("expected fallback 200, got %d", cfg.Database.MaxLeases)
	}
	if cfg.Tenant.Strict {
		t.Error("expected fallback to permissive")
	}
	if cfg.Token.TTL != 7*24*time.Hour {
		t.Errorf("expected fallback TTL, got %v", cfg.Token.TTL)
	}
}

func TestProductionForcesStrict(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("TENANT_STRICT", "false")
	t.Setenv("JWT_SECRET", "prod-secret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Tenant.Strict {
		t.Error("production must resolve tenants strictly")
	}
}

func TestProductionRequiresSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	if _, err := config.Load(); err == nil {
		t.Error("expected error without JWT_SECRET in production")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	err := os.WriteFile(path, []byte(`
tenants:
  - code: k001
    database: tenant_k001
  - code: k002
    status: inactive
routes:
  - prefix: /api/students
    read: STUDENT_VIEW
    write: STUDENT_MANAGE
    scoped: true
`), 0o600)
	if err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("TENANT_CONFIG_FILE", path)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Tenant.Static) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(cfg.Tenant.Static))
	}
	if cfg.Tenant.Static[0].Status != domain.TenantActive {
		t.Errorf("expected missing status to default to active, got %q", cfg.Tenant.Static[0].Status)
	}
	if cfg.Tenant.Static[1].Status != domain.TenantInactive {
		t.Errorf("expected inactive, got %q", cfg.Tenant.Static[1].Status)
	}
	if len(cfg.Routes) != 1 || !cfg.Routes[0].Scoped {
		t.Errorf("unexpected routes: %+v", cfg.Routes)
	}
}

func TestDefaultTenantMustNotBeRegistered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	if err := os.WriteFile(path, []byte("tenants:\n  - code: k001\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("TENANT_CONFIG_FILE", path)
	t.Setenv("DEFAULT_TENANT", "K001")

	if _, err := config.Load(); err == nil {
		t.Error("expected error when the default tenant shadows a registered tenant")
	}
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("routes:\n  - prefix: api\n"), 0o600)
	t.Setenv("TENANT_CONFIG_FILE", path)

	if _, err := config.Load(); err == nil {
		t.Error("expected error for a prefix without a leading slash")
	}
}

func TestDSN(t *testing.T) {
	d := config.DatabaseConfig{DSNTemplate: "postgres://u:p@db:5432/{database}?sslmode=disable"}
	if got := d.DSN("tenant_k001"); got != "postgres://u:p@db:5432/tenant_k001?sslmode=disable" {
		t.Errorf("unexpected DSN %q", got)
	}
}
