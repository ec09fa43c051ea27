package middleware

import (
	"errors"
	"net/http"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/authn"
)

var errPipelineOrder = errors.New("middleware: stage reached before its prerequisites")

// Authenticate resolves the request principal. It must run after Tenant.
func Authenticate(g *authn.Gateway, rs gw.Responder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			t, ok := gw.TenantFromContext(ctx)
			store, sok := gw.StoreFromContext(ctx)
			if !ok || !sok {
				rs.Error(w, r, errPipelineOrder, nil)
				return
			}

			p, err := g.Authenticate(ctx, authn.CredentialsFromRequest(r), t, store)
			if err != nil {
				rs.Error(w, r, err, map[string]any{"tenant": t.Code})
				return
			}

			notePrincipal(ctx, p.ID)
			next.ServeHTTP(w, r.WithContext(gw.ContextWithPrincipal(ctx, p)))
		})
	}
}

// principalAndStore returns what authorization stages need, or an error
// when the chain is mis-ordered.
func principalAndStore(r *http.Request) (domain.Principal, gw.Store, error) {
	p, ok := gw.PrincipalFromContext(r.Context())
	if !ok {
		return domain.Principal{}, nil, errPipelineOrder
	}
	s, ok := gw.StoreFromContext(r.Context())
	if !ok {
		return domain.Principal{}, nil, errPipelineOrder
	}
	return p, s, nil
}
