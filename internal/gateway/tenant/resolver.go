// Package tenant maps request hosts to tenants.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"regexp/syntax"
	"slices"
	"strings"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
)

// Config controls how hosts are matched.
type Config struct {
	Strict         bool
	Patterns       []string // each must have one capture group yielding the code
	LocalDomains   []string
	DefaultTenant  string
	DemoDatabase   string
	DatabasePrefix string
}

// Resolver resolves a request host to an active tenant.
type Resolver struct {
	cfg      Config
	patterns []*regexp.Regexp
	local    []string
	registry gw.TenantRegistry
}

// NewResolver compiles cfg.Patterns. registry validates matched codes.
func NewResolver(cfg Config, registry gw.TenantRegistry) (*Resolver, error) {
	r := &Resolver{cfg: cfg, registry: registry}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("tenant pattern %q: %w", p, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("tenant pattern %q has no capture group", p)
		}
		if cfg.DefaultTenant != "" && captures(re, cfg.DefaultTenant) {
			return nil, fmt.Errorf("default tenant %q can also be matched by tenant pattern %q", cfg.DefaultTenant, p)
		}
		r.patterns = append(r.patterns, re)
	}
	for _, d := range cfg.LocalDomains {
		r.local = append(r.local, strings.ToLower(d))
	}
	return r, nil
}

// Resolve returns the tenant for host. It never substitutes another
// tenant for a host whose code was matched but rejected by the registry.
func (r *Resolver) Resolve(ctx context.Context, host string) (domain.Tenant, error) {
	name := normalizeHost(host)
	if name == "" {
		return domain.Tenant{}, domain.ErrInvalidTenantDomain
	}

	if slices.Contains(r.local, name) {
		return r.localTenant(name), nil
	}

	code, ok := r.match(name)
	if !ok {
		if r.cfg.Strict {
			return domain.Tenant{}, domain.ErrInvalidTenantDomain
		}
		return r.localTenant(name), nil
	}

	rec, err := r.registry.Lookup(ctx, code)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return domain.Tenant{}, err
		}
		return domain.Tenant{}, domain.Wrap(domain.ErrTenantRegistryUnavailable, err)
	}
	if rec.Status != domain.TenantActive {
		return domain.Tenant{}, domain.ErrTenantInactive
	}

	db := rec.Database
	if db == "" {
		db = r.cfg.DatabasePrefix + code
	}
	return domain.Tenant{Code: code, Domain: name, Database: db}, nil
}

func (r *Resolver) match(name string) (string, bool) {
	for _, re := range r.patterns {
		if m := re.FindStringSubmatch(name); m != nil && m[1] != "" {
			return strings.ToLower(m[1]), true
		}
	}
	return "", false
}

// captures reports whether the code group of re can yield code. Matched
// codes are lower-cased, so the group is tested case-insensitively.
func captures(re *regexp.Regexp, code string) bool {
	tree, err := syntax.Parse(re.String(), syntax.Perl)
	if err != nil {
		return false
	}
	group := firstCapture(tree)
	if group == nil || len(group.Sub) == 0 {
		return false
	}
	sub, err := regexp.Compile(`^(?i:` + group.Sub[0].String() + `)$`)
	if err != nil {
		return false
	}
	return sub.MatchString(code)
}

func firstCapture(re *syntax.Regexp) *syntax.Regexp {
	if re.Op == syntax.OpCapture && re.Cap == 1 {
		return re
	}
	for _, s := range re.Sub {
		if c := firstCapture(s); c != nil {
			return c
		}
	}
	return nil
}

func (r *Resolver) localTenant(name string) domain.Tenant {
	return domain.Tenant{
		Code:     r.cfg.DefaultTenant,
		Domain:   name,
		Database: r.cfg.DemoDatabase,
		Local:    true,
	}
}

// normalizeHost strips the port and trailing dot and lower-cases host.
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
