package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/platform/apperr"
)

// Recovery turns a handler panic into a 500 response with the standard
// error payload. The panic value and stack are logged, never returned.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)

					rid, _ := c.Get("request_id").(string)
					logger.Error().
						Str("request_id", rid).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")

					_, payload := apperr.Response(fmt.Errorf("panic: %v", r))
					err = echo.NewHTTPError(http.StatusInternalServerError, payload)
				}
			}()
			return next(c)
		}
	}
}
