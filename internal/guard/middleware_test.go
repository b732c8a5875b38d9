package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type stubSource struct {
	grants map[int64][]string
}

func (s stubSource) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return s.grants[userID], nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAnyDeniesWithoutActor(t *testing.T) {
	mw := Middleware{Source: stubSource{}}

	handler := mw.RequireAny(PermRolesView)(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRequireAnyAllowsGrantedActor(t *testing.T) {
	mw := Middleware{Source: stubSource{grants: map[int64][]string{1: {PermRolesView}}}}

	handler := mw.RequireAny(PermRolesView, PermRolesEdit)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), 1))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRequireAllDeniesPartialGrant(t *testing.T) {
	mw := Middleware{Source: stubSource{grants: map[int64][]string{1: {PermRolesView}}}}

	handler := mw.RequireAll(PermRolesView, PermRolesDelete)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), 1))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
}
