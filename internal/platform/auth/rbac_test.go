package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithRoles(roles []string, mw echo.MiddlewareFunc) (error, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	return err, rec
}

func TestRequireRole_Allowed(t *testing.T) {
	err, rec := runWithRoles([]string{RoleDoctor}, RequireRole(RoleDoctor, RoleStaff))
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	err, _ := runWithRoles([]string{RolePatient}, RequireRole(RoleDoctor, RoleStaff))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	if err, _ := runWithRoles([]string{RoleAdmin}, RequireRole(RoleDoctor)); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestActor_AdministersClinic(t *testing.T) {
	tests := []struct {
		name   string
		actor  Actor
		clinic string
		want   bool
	}{
		{"platform admin", Actor{Roles: []string{RoleAdmin}}, "c1", true},
		{"own clinic admin", Actor{Roles: []string{RoleClinicAdmin}, ClinicID: "c1"}, "c1", true},
		{"other clinic admin", Actor{Roles: []string{RoleClinicAdmin}, ClinicID: "c2"}, "c1", false},
		{"clinic admin without clinic", Actor{Roles: []string{RoleClinicAdmin}}, "", false},
		{"doctor", Actor{Roles: []string{RoleDoctor}, ClinicID: "c1"}, "c1", false},
	}
	for _, tt := range tests {
		if got := tt.actor.AdministersClinic(tt.clinic); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := DevAuthMiddleware()(func(c echo.Context) error {
		actor := ActorFromContext(c.Request().Context())
		if actor.UserID != "dev-user" {
			t.Errorf("expected dev-user, got %s", actor.UserID)
		}
		if !actor.HasRole(RoleAdmin) {
			t.Errorf("expected admin role, got %v", actor.Roles)
		}
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_Overrides(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Dev-User", "patient-7")
	req.Header.Set("X-Dev-Roles", "patient")
	req.Header.Set("X-Dev-Clinic", "clinic-1")
	c := e.NewContext(req, httptest.NewRecorder())

	_ = DevAuthMiddleware()(func(c echo.Context) error {
		actor := ActorFromContext(c.Request().Context())
		if actor.UserID != "patient-7" || !actor.HasRole(RolePatient) || actor.ClinicID != "clinic-1" {
			t.Errorf("unexpected actor %+v", actor)
		}
		return nil
	})(c)
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
