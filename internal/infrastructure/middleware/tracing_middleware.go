package middleware

import (
	"time"

	"peercall/pkg/logger"
	"peercall/pkg/tracing"
	"peercall/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const requestIDHeader = "X-Request-ID"

// TracingMiddleware opens a span per request and echoes a request id.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = utils.GenerateTraceID()
		}
		c.Header(requestIDHeader, requestID)
		c.Set("request_id", requestID)

		span.SetAttributes(
			attribute.String("http.request_id", requestID),
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)

		c.Request = c.Request.WithContext(logger.WithTraceID(ctx, requestID))

		start := time.Now()
		c.Next()

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if c.Writer.Status() >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
