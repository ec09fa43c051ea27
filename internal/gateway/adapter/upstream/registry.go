package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"tenantgate/internal/domain"
)

// RegistryClient looks tenants up in the remote tenant registry.
type RegistryClient struct {
	caller
}

// NewRegistryClient creates a registry client; timeout bounds each Lookup
// including retries.
func NewRegistryClient(baseURL string, timeout time.Duration, retries int, observe Observer, opts ...Option) *RegistryClient {
	return &RegistryClient{newCaller(baseURL, timeout, retries, observe, opts)}
}

// Lookup fetches the registry record of code. A 404 is TENANT_NOT_FOUND.
func (c *RegistryClient) Lookup(ctx context.Context, code string) (domain.TenantRecord, error) {
	start := time.Now()
	var rec domain.TenantRecord
	req, cancel := c.request(ctx)
	defer cancel()
	resp, err := req.
		SetResult(&rec).
		Get("/tenants/" + url.PathEscape(code))

	result, err := c.classify(resp, err)
	c.observe(ctx, "registry.lookup", result, time.Since(start))
	if err != nil {
		return domain.TenantRecord{}, err
	}
	if rec.Code == "" {
		rec.Code = code
	}
	return rec, nil
}

func (c *RegistryClient) classify(resp *resty.Response, err error) (string, error) {
	switch {
	case err != nil:
		return "unavailable", domain.Wrap(domain.ErrTenantRegistryUnavailable, err)
	case resp.StatusCode() == http.StatusNotFound:
		return "not_found", domain.ErrTenantNotFound
	case resp.StatusCode() != http.StatusOK:
		return "unavailable", domain.Wrap(domain.ErrTenantRegistryUnavailable,
			fmt.Errorf("registry returned %d", resp.StatusCode()))
	}
	return "ok", nil
}
