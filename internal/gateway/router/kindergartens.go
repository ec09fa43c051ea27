package router

import (
	"fmt"
	"net/http"
	"strconv"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/scope"
)

func (rt *Router) listKindergartens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store, _ := gw.StoreFromContext(ctx)
	f, _ := gw.DataFilterFromContext(ctx)

	restriction, err := scope.Restrict(f, gw.KindergartenColumn)
	if err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	list, err := store.ListKindergartens(ctx, restriction)
	if err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	if list == nil {
		list = []domain.Kindergarten{}
	}
	rt.ok(w, http.StatusOK, list, "")
}

func (rt *Router) kindergarten(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	p, _ := gw.PrincipalFromContext(ctx)
	f, _ := gw.DataFilterFromContext(ctx)
	if !rt.deps.Scope.CanAccess(ctx, p, f, id) {
		rt.rs.Error(w, r, domain.ErrNoDataAccess, map[string]any{"kindergartenId": id, "dataScope": string(p.DataScope)})
		return
	}

	restriction, err := scope.Restrict(f, gw.KindergartenColumn)
	if err != nil {
		rt.rs.Error(w, r, err, nil)
		return
	}
	store, _ := gw.StoreFromContext(ctx)
	k, err := store.Kindergarten(ctx, id, restriction)
	if err != nil {
		rt.rs.Error(w, r, err, map[string]any{"kindergartenId": id})
		return
	}
	rt.ok(w, http.StatusOK, k, "")
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Wrap(domain.ErrBadRequest, fmt.Errorf("invalid id %q", raw))
	}
	return id, nil
}
