// Package upstream holds the HTTP clients of the federated identity service
// and the tenant registry.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"tenantgate/internal/domain"
)

// Observer records the outcome of one upstream call.
type Observer func(ctx context.Context, upstream, result string, d time.Duration)

func noopObserver(context.Context, string, string, time.Duration) {}

// envelope is the response shape shared by identity and registry endpoints.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// Option configures an upstream client.
type Option func(*caller)

// WithLogger sends resty's retry and failure logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *caller) { c.http.SetLogger(restyLogger{logger}) }
}

// caller is the resty client shared by identity and registry calls. timeout
// bounds a whole call, retries and backoff included; resty's own timeout
// only bounds a single attempt.
type caller struct {
	http    *resty.Client
	timeout time.Duration
	observe Observer
}

func newCaller(baseURL string, timeout time.Duration, retries int, observe Observer, opts []Option) caller {
	if observe == nil {
		observe = noopObserver
	}
	c := caller{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(retries).
			SetRetryWaitTime(100 * time.Millisecond).
			SetRetryMaxWaitTime(time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			}).
			SetLogger(restyLogger{slog.Default()}).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		timeout: timeout,
		observe: observe,
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// request returns a request bound to the call deadline. cancel must be
// called once the response has been read.
func (c caller) request(ctx context.Context) (*resty.Request, context.CancelFunc) {
	if c.timeout <= 0 {
		return c.http.R().SetContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return c.http.R().SetContext(ctx), cancel
}

// IdentityClient talks to the federated identity service.
type IdentityClient struct {
	caller
}

// NewIdentityClient creates a client for the identity service at baseURL.
// Every call is bounded by timeout, retries included.
func NewIdentityClient(baseURL string, timeout time.Duration, retries int, observe Observer, opts ...Option) *IdentityClient {
	return &IdentityClient{newCaller(baseURL, timeout, retries, observe, opts)}
}

type verifyData struct {
	User domain.Identity `json:"user"`
}

// VerifyToken validates token with the identity service. A rejection is
// INVALID_TOKEN; anything else that prevents an answer is
// UPSTREAM_AUTH_UNAVAILABLE, never a silent success.
func (c *IdentityClient) VerifyToken(ctx context.Context, token string) (domain.Identity, error) {
	start := time.Now()
	var out envelope[verifyData]
	req, cancel := c.request(ctx)
	defer cancel()
	resp, err := req.
		SetAuthToken(token).
		SetBody(map[string]string{"token": token}).
		SetResult(&out).
		SetError(&out).
		Post("/auth/verify-token")

	result, err := classify(resp, err, domain.ErrInvalidToken, domain.ErrUpstreamAuthUnavailable)
	c.observe(ctx, "identity.verify", result, time.Since(start))
	if err != nil {
		return domain.Identity{}, err
	}
	if !out.Success || out.Data.User.GlobalUserID == "" {
		return domain.Identity{}, domain.Wrap(domain.ErrInvalidToken, errors.New(out.Message))
	}
	return out.Data.User, nil
}

type loginData struct {
	Token     string          `json:"token"`
	ExpiresIn int             `json:"expiresIn"`
	User      domain.Identity `json:"user"`
}

// Login delegates a credential login.
func (c *IdentityClient) Login(ctx context.Context, phone, password string) (domain.TokenPair, domain.Identity, error) {
	start := time.Now()
	var out envelope[loginData]
	req, cancel := c.request(ctx)
	defer cancel()
	resp, err := req.
		SetBody(map[string]string{"phone": phone, "password": password}).
		SetResult(&out).
		SetError(&out).
		Post("/auth/login")

	result, err := classify(resp, err, domain.ErrInvalidCredentials, domain.ErrUpstreamAuthUnavailable)
	c.observe(ctx, "identity.login", result, time.Since(start))
	if err != nil {
		return domain.TokenPair{}, domain.Identity{}, err
	}
	if !out.Success || out.Data.Token == "" {
		return domain.TokenPair{}, domain.Identity{}, domain.ErrInvalidCredentials
	}
	return domain.TokenPair{
		AccessToken: out.Data.Token,
		ExpiresIn:   out.Data.ExpiresIn,
		TokenType:   "Bearer",
	}, out.Data.User, nil
}

// BindUser records a tenant binding. Callers treat failures as non-fatal.
func (c *IdentityClient) BindUser(ctx context.Context, b domain.Binding) error {
	start := time.Now()
	req, cancel := c.request(ctx)
	defer cancel()
	resp, err := req.
		SetBody(b).
		Post("/tenants/bind-user")

	result, err := classify(resp, err, domain.ErrBadRequest, domain.ErrUpstreamAuthUnavailable)
	c.observe(ctx, "identity.bind", result, time.Since(start))
	return err
}

// classify maps a resty outcome to a result label and error. 4xx responses
// map to rejected, transport errors and 5xx to unavailable.
func classify(resp *resty.Response, err error, rejected, unavailable *domain.Error) (string, error) {
	switch {
	case err != nil:
		slog.Error("upstream call failed", "error", err)
		return "unavailable", domain.Wrap(unavailable, err)
	case resp.StatusCode() >= http.StatusInternalServerError:
		slog.Error("upstream returned server error", "status", resp.StatusCode(), "url", resp.Request.URL)
		return "unavailable", domain.Wrap(unavailable, fmt.Errorf("status %d", resp.StatusCode()))
	case resp.IsError():
		return "rejected", domain.Wrap(rejected, fmt.Errorf("status %d", resp.StatusCode()))
	}
	return "ok", nil
}
