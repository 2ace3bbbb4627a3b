package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/tracker-bridge/internal/platform/fhir"
)

// Recovery turns a handler panic into a 500 OperationOutcome.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				req := c.Request()
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Str("route", c.Path()).
					Int64("bytes_in", req.ContentLength).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("handler panicked")

				if c.Response().Committed {
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
					return
				}
				err = c.JSON(http.StatusInternalServerError,
					fhir.NewOperationOutcome(fhir.IssueSeverityFatal, fhir.IssueTypeException, "internal server error"))
			}()
			return next(c)
		}
	}
}
