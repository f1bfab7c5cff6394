package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(req *http.Request, roles ...string) *http.Request {
	return req.WithContext(WithUser(req.Context(), "u1", roles))
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := contextWithRoles(httptest.NewRequest(http.MethodGet, "/", nil), RoleOM)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := RequireRole(RoleOM, RoleLH)(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	req := contextWithRoles(httptest.NewRequest(http.MethodGet, "/", nil), RoleAnalyst)
	c := e.NewContext(req, httptest.NewRecorder())

	err := RequireRole(RoleOM, RoleLH)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	req := contextWithRoles(httptest.NewRequest(http.MethodGet, "/", nil), RoleAdmin)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := RequireRole(RoleLH)(okHandler)(c); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestActor_Has(t *testing.T) {
	a := Actor{ID: "u", Roles: []string{RoleOM}}
	if !a.Has(RoleOM) {
		t.Error("expected actor to hold OM")
	}
	if a.Has(RoleLH) {
		t.Error("expected actor not to hold LH")
	}
	if SystemActor.Has(RoleLH) {
		t.Error("system actor must not hold LH")
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := WithUser(context.Background(), "user-123", nil)
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
