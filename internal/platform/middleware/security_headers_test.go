package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	base := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}
	for _, hsts := range []bool{false, true} {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/teleconsultations/t1/join", nil), rec)

		err := SecurityHeaders(hsts)(func(c echo.Context) error {
			return c.String(http.StatusOK, "ok")
		})(c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for header, want := range base {
			if got := rec.Header().Get(header); got != want {
				t.Errorf("hsts=%v: %s = %q, want %q", hsts, header, got, want)
			}
		}
		got := rec.Header().Get("Strict-Transport-Security")
		if hsts && got != "max-age=31536000; includeSubDomains" {
			t.Errorf("expected HSTS, got %q", got)
		}
		if !hsts && got != "" {
			t.Errorf("expected no HSTS without TLS, got %q", got)
		}
	}
}
