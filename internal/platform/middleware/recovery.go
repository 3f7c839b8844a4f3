package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/medicore/clinic/internal/platform/auth"
	"github.com/medicore/clinic/internal/platform/telemetry"
	"github.com/medicore/clinic/pkg/apperr"
)

// Recovery turns a handler panic into an Internal error, which the error
// handler renders as a 500 without the panic value. The log line names the
// route and the calling user and clinic.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	panics := telemetry.Counter("github.com/medicore/clinic/http", "http.server.panics", "handler panics recovered")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				ctx := c.Request().Context()
				route := c.Path()
				if route == "" {
					route = c.Request().URL.Path
				}
				rid, _ := c.Get("request_id").(string)
				actor := auth.ActorFromContext(ctx)

				evt := logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", route)
				if actor.UserID != "" {
					evt = evt.Str("user_id", actor.UserID)
				}
				if actor.ClinicID != "" {
					evt = evt.Str("clinic_id", actor.ClinicID)
				}
				evt.Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")

				span := trace.SpanFromContext(ctx)
				span.RecordError(fmt.Errorf("panic: %v", r))
				span.SetStatus(codes.Error, "panic")
				panics.Add(ctx, 1, metric.WithAttributes(attribute.String("http.route", route)))

				err = apperr.Internal("panic in %s %s", c.Request().Method, route)
			}()
			return next(c)
		}
	}
}
