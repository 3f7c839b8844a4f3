package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medicore/clinic/pkg/apperr"
)

// ErrorBody is the JSON envelope for every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ErrorHandler renders apperr kinds and echo HTTP errors in one format.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := Render(err)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

// Render converts err into a status code and response body.
func Render(err error) (int, ErrorBody) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		status := apperr.HTTPStatus(ae.Kind)
		msg := ae.Message
		switch ae.Kind {
		case apperr.KindStoreUnavailable:
			msg = "storage temporarily unavailable"
		case apperr.KindInternal:
			msg = "internal server error"
		}
		return status, ErrorBody{Error: ErrorDetail{Code: string(ae.Kind), Message: msg, Details: ae.Details}}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		return he.Code, ErrorBody{Error: ErrorDetail{Code: codeForStatus(he.Code), Message: msg}}
	}

	return http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
		Code:    string(apperr.KindInternal),
		Message: "internal server error",
	}}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(apperr.KindInvalidInput)
	case http.StatusNotFound:
		return string(apperr.KindNotFound)
	case http.StatusConflict:
		return string(apperr.KindConflict)
	case http.StatusUnauthorized, http.StatusForbidden:
		return string(apperr.KindUnauthorized)
	case http.StatusServiceUnavailable:
		return string(apperr.KindStoreUnavailable)
	case http.StatusTooManyRequests:
		return "RateLimited"
	default:
		return string(apperr.KindInternal)
	}
}
