package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/middleware"
	"tenantgate/internal/gateway/scope"
)

type loginRequest struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type userView struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	GlobalUserID string `json:"globalUserId,omitempty"`
}

type loginResponse struct {
	domain.TokenPair
	User   userView `json:"user"`
	Tenant string   `json:"tenant"`
}

// login authenticates with credentials. Local tenants check the bcrypt hash
// and issue a gateway token; federated tenants delegate to the identity
// service and materialize the shadow user before answering.
func (rt *Router) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, _ := gw.TenantFromContext(ctx)
	store, _ := gw.StoreFromContext(ctx)

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Phone = strings.TrimSpace(req.Phone)

	var (
		resp loginResponse
		err  error
	)
	source := string(domain.AuthLocal)
	if t.Local {
		resp, err = rt.localLogin(r, t, store, req)
	} else {
		source = string(domain.AuthFederated)
		resp, err = rt.federatedLogin(r, t, store, req)
	}
	if err != nil {
		rt.deps.Metrics.RecordAuthentication(ctx, "login_"+source, "error")
		rt.rs.Error(w, r, err, map[string]any{"tenant": t.Code})
		return
	}
	rt.deps.Metrics.RecordAuthentication(ctx, "login_"+source, "ok")
	rt.ok(w, http.StatusOK, resp, "login succeeded")
}

func (rt *Router) localLogin(r *http.Request, t domain.Tenant, users gw.UserStore, req loginRequest) (loginResponse, error) {
	if req.Username == "" || req.Password == "" {
		return loginResponse{}, domain.ErrMissingCredentials
	}
	u, err := users.UserByUsername(r.Context(), req.Username)
	if errors.Is(err, domain.ErrNotFound) {
		return loginResponse{}, domain.ErrInvalidCredentials
	}
	if err != nil {
		return loginResponse{}, err
	}
	if !u.Active() || u.PasswordHash == "" {
		return loginResponse{}, domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		slog.Info("local login rejected",
			"tenant", t.Code,
			"username", u.Username,
			"request_id", gw.RequestIDFromContext(r.Context()),
		)
		return loginResponse{}, domain.ErrInvalidCredentials
	}

	pair, err := rt.deps.Issuer.Issue(u, t.Code)
	if err != nil {
		return loginResponse{}, err
	}
	return loginResponse{
		TokenPair: pair,
		User:      userView{ID: u.ID, Username: u.Username},
		Tenant:    t.Code,
	}, nil
}

func (rt *Router) federatedLogin(r *http.Request, t domain.Tenant, users gw.UserStore, req loginRequest) (loginResponse, error) {
	if req.Phone == "" || req.Password == "" {
		return loginResponse{}, domain.Wrap(domain.ErrMissingCredentials, errors.New("phone and password are required"))
	}
	if rt.deps.Identity == nil {
		return loginResponse{}, domain.ErrUpstreamAuthUnavailable
	}

	ctx := r.Context()
	pair, id, err := rt.deps.Identity.Login(ctx, req.Phone, req.Password)
	if err != nil {
		slog.Info("federated login rejected",
			"tenant", t.Code,
			"phone", middleware.MaskPhone(req.Phone),
			"error", err,
			"request_id", gw.RequestIDFromContext(ctx),
		)
		return loginResponse{}, err
	}
	u, err := rt.deps.Auth.Materialize(ctx, t, users, id)
	if err != nil {
		return loginResponse{}, err
	}
	slog.Info("federated login",
		"tenant", t.Code,
		"user_id", u.ID,
		"phone", middleware.MaskPhone(req.Phone),
		"request_id", gw.RequestIDFromContext(ctx),
	)
	return loginResponse{
		TokenPair: pair,
		User:      userView{ID: u.ID, Username: u.Username, GlobalUserID: u.GlobalUserID},
		Tenant:    t.Code,
	}, nil
}

type principalView struct {
	ID                     int64             `json:"id"`
	Username               string            `json:"username"`
	Role                   string            `json:"role"`
	IsAdmin                bool              `json:"isAdmin"`
	KindergartenID         int64             `json:"kindergartenId,omitempty"`
	DataScope              domain.DataScope  `json:"dataScope"`
	AllowedKindergartenIDs []int64           `json:"allowedKindergartenIds,omitempty"`
	TenantCode             string            `json:"tenantCode"`
	AuthSource             domain.AuthSource `json:"authSource"`
}

type meResponse struct {
	Principal      principalView     `json:"principal"`
	DataFilter     *scope.DataFilter `json:"dataFilter"`
	ScopeError     string            `json:"scopeError,omitempty"`
	CanManageRoles bool              `json:"canManageRoles"`
}

// me describes the caller. A principal without a usable data scope still
// gets an answer, with the scope failure reported instead of a filter.
func (rt *Router) me(w http.ResponseWriter, r *http.Request) {
	p, _ := gw.PrincipalFromContext(r.Context())
	resp := meResponse{Principal: principalView{
		ID:                     p.ID,
		Username:               p.Username,
		Role:                   p.Role.String(),
		IsAdmin:                p.IsAdmin(),
		KindergartenID:         p.KindergartenID,
		DataScope:              p.DataScope,
		AllowedKindergartenIDs: p.AllowedKindergartenIDs,
		TenantCode:             p.TenantCode,
		AuthSource:             p.AuthSource,
	}}

	if f, err := rt.deps.Scope.ScopeFor(p); err != nil {
		if de, ok := domain.AsError(err); ok {
			resp.ScopeError = de.Code
		}
	} else {
		resp.DataFilter = &f
	}

	ok, err := gw.Authorize(r.Context(), "ROLE_MANAGE")
	if err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	resp.CanManageRoles = ok
	rt.ok(w, http.StatusOK, resp, "")
}
