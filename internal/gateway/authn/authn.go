// Package authn turns request credentials into a Principal, either from a
// locally signed token or through the federated identity service.
package authn

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/adapter/keyring"
	"tenantgate/internal/platform/telemetry"
)

// Header names of the service-to-service bypass.
const (
	HeaderInternalService = "X-Internal-Service"
	HeaderInternalToken   = "X-Internal-Token"
)

// InternalUsername is the username of bypass principals.
const InternalUsername = "internal_service"

// Credentials are the authentication inputs of one request.
type Credentials struct {
	Token           string
	InternalService bool
	InternalToken   string
	RemoteAddr      string
}

// CredentialsFromRequest reads credentials from r. The remote address is
// the connection peer; forwarding headers are not trusted.
func CredentialsFromRequest(r *http.Request) Credentials {
	token, _ := BearerToken(r)
	return Credentials{
		Token:           token,
		InternalService: strings.EqualFold(r.Header.Get(HeaderInternalService), "true"),
		InternalToken:   r.Header.Get(HeaderInternalToken),
		RemoteAddr:      r.RemoteAddr,
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// TokenVerifier verifies locally signed tokens.
type TokenVerifier interface {
	Verify(token string) (keyring.Claims, error)
}

// InternalConfig restricts the service-to-service bypass.
type InternalConfig struct {
	Enabled        bool
	TrustedCIDRs   []string
	ServiceToken   string
	KindergartenID int64
}

// Config controls authentication behavior.
type Config struct {
	Internal InternalConfig
	// RoleFallback lets a failed role lookup resolve to FallbackRole
	// instead of failing the request.
	RoleFallback bool
	FallbackRole string
	// ConflictRetries bounds shadow user inserts that hit a unique clash.
	ConflictRetries int
	BindTimeout     time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records authentication outcomes on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithAudit reports bypass use to sink.
func WithAudit(sink gw.AuditSink) Option {
	return func(g *Gateway) { g.audit = sink }
}

// WithClock overrides the clock used for audit records and bindings.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway authenticates requests for every tenant.
type Gateway struct {
	cfg      Config
	trusted  []netip.Prefix
	fallback domain.Role
	keys     TokenVerifier
	idp      gw.IdentityProvider
	audit    gw.AuditSink
	metrics  *telemetry.Metrics
	now      func() time.Time
	flights  singleflight.Group
}

// New creates a Gateway. idp may be nil when no tenant is federated.
func New(cfg Config, keys TokenVerifier, idp gw.IdentityProvider, opts ...Option) (*Gateway, error) {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	if cfg.BindTimeout <= 0 {
		cfg.BindTimeout = 5 * time.Second
	}
	if cfg.FallbackRole == "" {
		cfg.FallbackRole = domain.RoleParent.String()
	}
	g := &Gateway{
		cfg:      cfg,
		fallback: domain.ParseRole(cfg.FallbackRole),
		keys:     keys,
		idp:      idp,
		now:      time.Now,
	}
	for _, c := range cfg.Internal.TrustedCIDRs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("trusted CIDR %q: %w", c, err)
		}
		g.trusted = append(g.trusted, p.Masked())
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Authenticate resolves the principal of cred within tenant t, reading
// users from the tenant's own store.
func (g *Gateway) Authenticate(ctx context.Context, cred Credentials, t domain.Tenant, users gw.UserStore) (domain.Principal, error) {
	if p, ok := g.internal(ctx, cred, t); ok {
		g.metrics.RecordAuthentication(ctx, string(domain.AuthInternal), "ok")
		return p, nil
	}

	source := domain.AuthFederated
	if t.Local {
		source = domain.AuthLocal
	}
	if cred.Token == "" {
		g.metrics.RecordAuthentication(ctx, string(source), domain.ErrMissingToken.Code)
		return domain.Principal{}, domain.ErrMissingToken
	}

	var (
		p   domain.Principal
		err error
	)
	if t.Local {
		p, err = g.local(ctx, cred.Token, t, users)
	} else {
		p, err = g.federated(ctx, cred.Token, t, users)
	}
	if err != nil {
		g.metrics.RecordAuthentication(ctx, string(source), resultOf(err))
		return domain.Principal{}, err
	}
	g.metrics.RecordAuthentication(ctx, string(source), "ok")
	return p, nil
}

func resultOf(err error) string {
	if de, ok := domain.AsError(err); ok {
		return de.Code
	}
	return domain.ErrInternal.Code
}

func (g *Gateway) local(ctx context.Context, token string, t domain.Tenant, users gw.UserStore) (domain.Principal, error) {
	if g.keys == nil {
		return domain.Principal{}, domain.ErrInvalidToken
	}
	claims, err := g.keys.Verify(token)
	if err != nil {
		return domain.Principal{}, err
	}
	if claims.TenantCode != t.Code {
		return domain.Principal{}, domain.Wrap(domain.ErrInvalidToken,
			fmt.Errorf("token issued for tenant %q", claims.TenantCode))
	}

	user, err := users.UserByID(ctx, claims.UserID)
	if err != nil {
		return domain.Principal{}, lookupError(err)
	}
	if !user.Active() {
		return domain.Principal{}, domain.ErrUserNotFound
	}
	return g.build(ctx, user, t, users, domain.AuthLocal)
}

func (g *Gateway) federated(ctx context.Context, token string, t domain.Tenant, users gw.UserStore) (domain.Principal, error) {
	if g.idp == nil {
		return domain.Principal{}, domain.ErrUpstreamAuthUnavailable
	}
	id, err := g.idp.VerifyToken(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamAuthUnavailable) {
			slog.Error("identity service unavailable", "tenant", t.Code, "error", err)
		}
		return domain.Principal{}, err
	}
	if id.GlobalUserID == "" {
		return domain.Principal{}, domain.Wrap(domain.ErrInvalidToken, errors.New("identity without id"))
	}

	user, err := g.Materialize(ctx, t, users, id)
	if err != nil {
		return domain.Principal{}, err
	}
	if !user.Active() {
		return domain.Principal{}, domain.ErrUserNotFound
	}
	p, err := g.build(ctx, user, t, users, domain.AuthFederated)
	if err != nil {
		return domain.Principal{}, err
	}
	p.GlobalUserID = id.GlobalUserID
	return p, nil
}

// Materialize returns the tenant-local shadow row of id, inserting it on
// first sight. Concurrent calls for one tenant and global id share a single
// insert that outlives any one caller's cancellation; a clash on another
// unique column is retried with an alternate username. The identity service is told about new rows on a best-effort
// basis.
func (g *Gateway) Materialize(ctx context.Context, t domain.Tenant, users gw.UserStore, id domain.Identity) (domain.User, error) {
	key := t.Code + "|" + id.GlobalUserID
	ch := g.flights.DoChan(key, func() (any, error) {
		return g.materialize(context.WithoutCancel(ctx), t, users, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.User{}, res.Err
		}
		return res.Val.(domain.User), nil
	case <-ctx.Done():
		return domain.User{}, domain.Wrap(domain.ErrInternal, ctx.Err())
	}
}

func (g *Gateway) materialize(ctx context.Context, t domain.Tenant, users gw.UserStore, id domain.Identity) (domain.User, error) {
	u, err := users.UserByGlobalID(ctx, id.GlobalUserID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, domain.Wrap(domain.ErrInternal, err)
	}

	base := id.Username
	if base == "" {
		base = "user_" + id.GlobalUserID
	}
	for attempt := 0; attempt < g.cfg.ConflictRetries; attempt++ {
		cand := id
		cand.Username = alternateUsername(base, id.GlobalUserID, attempt)

		created, err := users.InsertShadowUser(ctx, cand)
		if errors.Is(err, gw.ErrConflict) {
			slog.Warn("shadow user conflict, retrying",
				"tenant", t.Code, "global_user_id", id.GlobalUserID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return domain.User{}, domain.Wrap(domain.ErrInternal, err)
		}

		u, err := users.UserByGlobalID(ctx, id.GlobalUserID)
		if err != nil {
			return domain.User{}, domain.Wrap(domain.ErrInternal, fmt.Errorf("re-reading shadow user: %w", err))
		}
		if created {
			slog.Info("shadow user created", "tenant", t.Code, "user_id", u.ID, "global_user_id", id.GlobalUserID)
			g.bind(ctx, t, u)
		}
		return u, nil
	}
	return domain.User{}, domain.Wrap(domain.ErrInternal,
		fmt.Errorf("shadow user for %s: %d unique conflicts", id.GlobalUserID, g.cfg.ConflictRetries))
}

func alternateUsername(base, gid string, attempt int) string {
	if attempt == 0 {
		return base
	}
	suffix := gid
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	if attempt == 1 {
		return base + "_" + suffix
	}
	return fmt.Sprintf("%s_%s_%d", base, suffix, attempt)
}

func (g *Gateway) bind(ctx context.Context, t domain.Tenant, u domain.User) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.BindTimeout)
	defer cancel()
	err := g.idp.BindUser(ctx, domain.Binding{
		GlobalUserID: u.GlobalUserID,
		TenantCode:   t.Code,
		TenantUserID: u.ID,
		LastLoginAt:  g.now(),
	})
	if err != nil {
		slog.Warn("binding tenant user failed", "tenant", t.Code, "user_id", u.ID, "error", err)
	}
}

// build resolves role and data scope for an authenticated user.
func (g *Gateway) build(ctx context.Context, user domain.User, t domain.Tenant, users gw.UserStore, source domain.AuthSource) (domain.Principal, error) {
	role, err := g.resolveRole(ctx, t, users, user.ID)
	if err != nil {
		return domain.Principal{}, err
	}

	assigned, err := users.KindergartenAssignments(ctx, user.ID)
	if err != nil {
		if !g.cfg.RoleFallback {
			return domain.Principal{}, domain.Wrap(domain.ErrInternal, err)
		}
		slog.Warn("kindergarten assignment lookup failed", "tenant", t.Code, "user_id", user.ID, "error", err)
		assigned = nil
	}

	scope := domain.ScopeSingle
	if role.IsAdmin() {
		scope = domain.ScopeAll
	}
	override := false
	if user.DataScope != "" {
		s, ok := domain.ParseDataScope(user.DataScope)
		if !ok {
			slog.Warn("unknown data scope override", "tenant", t.Code, "user_id", user.ID, "data_scope", user.DataScope)
			s = domain.ScopeNone
		}
		scope, override = s, true
	}

	kg := user.PrimaryKindergartenID
	if kg == 0 && len(assigned) > 0 {
		kg = assigned[0]
	}
	if kg == 0 && role.IsAdmin() {
		if kg, err = users.FirstKindergarten(ctx); err != nil {
			slog.Warn("first kindergarten lookup failed", "tenant", t.Code, "error", err)
			kg = 0
		}
	}

	p := domain.Principal{
		ID:             user.ID,
		Username:       user.Username,
		Role:           role,
		KindergartenID: kg,
		DataScope:      scope,
		TenantCode:     t.Code,
		AuthSource:     source,
		GlobalUserID:   user.GlobalUserID,
	}
	// Admins see every kindergarten unless an override narrows them.
	if !role.IsAdmin() || override {
		p.AllowedKindergartenIDs = assigned
	}
	return p, nil
}

func (g *Gateway) resolveRole(ctx context.Context, t domain.Tenant, users gw.UserStore, userID int64) (domain.Role, error) {
	codes, err := users.UserRoleCodes(ctx, userID)
	if err != nil {
		if !g.cfg.RoleFallback {
			return domain.Role{}, domain.Wrap(domain.ErrInternal, err)
		}
		slog.Warn("role lookup failed, using fallback role",
			"tenant", t.Code, "user_id", userID, "fallback", g.fallback.String(), "error", err)
		return g.fallback, nil
	}
	role, ok := domain.HighestRole(codes)
	if !ok {
		return g.fallback, nil
	}
	return role, nil
}

func (g *Gateway) internal(ctx context.Context, cred Credentials, t domain.Tenant) (domain.Principal, bool) {
	if !cred.InternalService {
		return domain.Principal{}, false
	}

	rec := domain.AuditRecord{
		Timestamp:    g.now(),
		TenantCode:   t.Code,
		RequestID:    gw.RequestIDFromContext(ctx),
		Action:       "internal.bypass",
		ResourceType: "tenant",
		ResourceID:   t.Code,
		Result:       domain.AuditAllowed,
	}
	reason := g.rejectInternal(cred)
	if reason != "" {
		slog.Warn("internal service header ignored", "tenant", t.Code, "remote_addr", cred.RemoteAddr, "reason", reason)
		rec.Result, rec.Reason = domain.AuditDenied, reason
		g.emit(rec)
		return domain.Principal{}, false
	}
	g.emit(rec)

	return domain.Principal{
		Username:       InternalUsername,
		Role:           domain.ParseRole(domain.RoleAdmin.String()),
		KindergartenID: g.cfg.Internal.KindergartenID,
		DataScope:      domain.ScopeAll,
		TenantCode:     t.Code,
		AuthSource:     domain.AuthInternal,
	}, true
}

// rejectInternal returns why a bypass request is refused, or "".
func (g *Gateway) rejectInternal(cred Credentials) string {
	if !g.cfg.Internal.Enabled {
		return "bypass_disabled"
	}
	if !g.trustedPeer(cred.RemoteAddr) {
		return "untrusted_network"
	}
	want := g.cfg.Internal.ServiceToken
	if want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(cred.InternalToken)) != 1 {
		return "bad_service_token"
	}
	return ""
}

func (g *Gateway) trustedPeer(remote string) bool {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range g.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (g *Gateway) emit(rec domain.AuditRecord) {
	if g.audit != nil {
		g.audit.Emit(rec)
	}
}

func lookupError(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrUserNotFound
	}
	return domain.Wrap(domain.ErrInternal, err)
}
