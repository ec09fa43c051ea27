// Package proxy forwards authorized requests to the business backend with
// the request's tenant, principal and data scope attached as headers.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/authn"
	"tenantgate/internal/platform/telemetry"
)

// Headers the gateway owns on forwarded requests.
const (
	HeaderTenantCode      = "X-Tenant-Code"
	HeaderPrincipalID     = "X-Principal-ID"
	HeaderPrincipalRole   = "X-Principal-Role"
	HeaderDataScope       = "X-Data-Scope"
	HeaderKindergartenID  = "X-Kindergarten-ID"
	HeaderKindergartenIDs = "X-Kindergarten-IDs"
	HeaderRequestID       = "X-Request-ID"
)

// stripped headers are removed from every inbound request before the
// gateway's own values are set. Backends trust these headers.
var stripped = []string{
	"Authorization",
	HeaderTenantCode,
	HeaderPrincipalID,
	HeaderPrincipalRole,
	HeaderDataScope,
	HeaderKindergartenID,
	HeaderKindergartenIDs,
	authn.HeaderInternalService,
	authn.HeaderInternalToken,
}

// Proxy is a reverse proxy to one backend.
type Proxy struct {
	name    string
	rp      *httputil.ReverseProxy
	metrics *telemetry.Metrics
}

// New creates a Proxy to backendURL. name labels metrics. m may be nil.
func New(name, backendURL string, rs gw.Responder, m *telemetry.Metrics) (*Proxy, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("backend URL %q must be absolute", backendURL)
	}
	base := strings.TrimSuffix(target.Path, "/")

	p := &Proxy{name: name, metrics: m}
	p.rp = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = base + req.URL.Path
			if req.URL.RawPath != "" {
				req.URL.RawPath = base + req.URL.RawPath
			}
			req.Host = target.Host
			InjectHeaders(req)
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			slog.Warn("backend request failed",
				"backend", name,
				"path", req.URL.Path,
				"error", err,
				"request_id", gw.RequestIDFromContext(req.Context()),
			)
			rs.Error(w, req, domain.Wrap(domain.ErrBackend, err), map[string]any{"backend": name})
		},
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	sw := &gw.StatusWriter{ResponseWriter: w, Code: http.StatusOK}
	p.rp.ServeHTTP(sw, req)
	p.metrics.RecordProxyRequest(req.Context(), p.name, sw.Code, time.Since(start).Seconds())
}

// InjectHeaders replaces any client-supplied gateway headers on req with the
// values bound to its context.
func InjectHeaders(req *http.Request) {
	for _, h := range stripped {
		req.Header.Del(h)
	}

	ctx := req.Context()
	if t, ok := gw.TenantFromContext(ctx); ok {
		req.Header.Set(HeaderTenantCode, t.Code)
	}
	if p, ok := gw.PrincipalFromContext(ctx); ok {
		req.Header.Set(HeaderPrincipalID, strconv.FormatInt(p.ID, 10))
		req.Header.Set(HeaderPrincipalRole, p.Role.String())
		req.Header.Set(HeaderDataScope, string(p.DataScope))

		kg, ids := p.KindergartenID, p.AllowedKindergartenIDs
		if f, ok := gw.DataFilterFromContext(ctx); ok {
			kg, ids = f.KindergartenID, f.KindergartenIDs
		}
		if kg > 0 {
			req.Header.Set(HeaderKindergartenID, strconv.FormatInt(kg, 10))
		}
		if len(ids) > 0 {
			req.Header.Set(HeaderKindergartenIDs, joinIDs(ids))
		}
	}
	if id := gw.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}
}

func joinIDs(ids []int64) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}
