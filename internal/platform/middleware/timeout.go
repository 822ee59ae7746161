package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a context deadline on each incoming request. The
// reservation coordinator observes the deadline mid-retry and returns a
// TIMEOUT failure with no partial mutation; this middleware turns an
// unresponsive handler into a 504 as a backstop.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					if !c.Response().Committed {
						return c.JSON(http.StatusGatewayTimeout, map[string]interface{}{
							"error": map[string]string{
								"code":    "TIMEOUT",
								"message": "request processing exceeded the allowed time limit",
							},
						})
					}
					return nil
				}
				return ctx.Err()
			}
		}
	}
}
