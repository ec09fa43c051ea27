package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tenantgate/internal/domain"
	"tenantgate/internal/platform/server"
	"tenantgate/internal/testutil"
)

// seedUsers are federated identities available for login. The token is
// what /auth/login returns and what /auth/verify-token accepts.
var seedUsers = []struct {
	token    string
	id       domain.Identity
	password string
}{
	{"mock-token-principal", domain.Identity{GlobalUserID: "gu-1001", Username: "principal_li", Phone: "13800001001", RealName: "Li"}, "password"},
	{"mock-token-teacher", domain.Identity{GlobalUserID: "gu-1002", Username: "teacher_wang", Phone: "13800001002", RealName: "Wang"}, "password"},
	{"mock-token-parent", domain.Identity{GlobalUserID: "gu-1003", Username: "parent_zhao", Phone: "13800001003", RealName: "Zhao"}, "password"},
}

var seedTenants = []domain.TenantRecord{
	{Code: "k001", Status: domain.TenantActive},
	{Code: "k002", Status: domain.TenantActive},
	{Code: "k003", Status: domain.TenantInactive},
}

func main() {
	addr := envOr("IDENTITY_ADDR", ":8081")
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	svc := testutil.NewIdentityService()
	for _, u := range seedUsers {
		svc.AddUser(u.token, u.id, u.password)
	}
	for _, t := range seedTenants {
		svc.AddTenant(t)
	}

	slog.Info("mock identity service starting",
		"addr", addr,
		"users", len(seedUsers),
		"tenants", "k001, k002 (active), k003 (inactive)",
	)

	srv := server.New(addr, svc.Handler())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
