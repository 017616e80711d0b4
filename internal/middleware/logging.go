// Package middleware provides Echo middleware for access logging, metrics
// and rate limiting.
package middleware

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that emits one access-log line per
// request. The message reads like a classic access log,
//
//	[proxy] 192.168.139.2 "GET /api/nodes?limit=5 HTTP/1.1" 200
//
// and the same facts are repeated as structured attributes.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			status := responseStatus(c, err)

			logger.Info(fmt.Sprintf("[proxy] %s %q %d",
				c.RealIP(), req.Method+" "+req.RequestURI+" "+req.Proto, status),
				"method", req.Method,
				"target", req.RequestURI,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", c.RealIP(),
				"bytes_out", c.Response().Size,
			)

			return err
		}
	}
}
