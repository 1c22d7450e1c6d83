package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests that hit no registered route, keeping
// metric cardinality bounded by the route table.
const unmatchedRoute = "unmatched"

// probePaths are polled by scrapers and health checks and log at debug.
var probePaths = map[string]bool{
	"/metrics": true,
	"/health":  true,
	"/ready":   true,
}

func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return unmatchedRoute
}

// RequestLogger logs one line per admin request tagged with the admin id.
// Probe routes log at debug unless they fail.
func RequestLogger(logger zerolog.Logger, admin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := routeOf(c)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case probePaths[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}

		event.
			Str("admin", admin).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("admin.request")
	}
}

// RequestMetricsMiddleware records admin request counts and latency by
// matched route.
func RequestMetricsMiddleware(admin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(admin, c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}
