package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"patapim-server/internal/apperr"
	"patapim-server/internal/logging"
	"patapim-server/internal/metrics"
)

var tracer = otel.Tracer("patapim-server/internal/api")

const traceHeader = "X-Request-ID"

// requestContext starts a span, attaches a request-scoped logger carrying the
// trace id, and records request metrics
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = logging.NewContext(ctx, s.logger.With().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Logger())

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		traceID := c.GetHeader(traceHeader)
		if traceID == "" && span.SpanContext().HasTraceID() {
			traceID = span.SpanContext().TraceID().String()
		}
		ctx, logger := logging.WithTraceContext(ctx, traceID)
		c.Header(traceHeader, logging.TraceID(ctx))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		metrics.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

		evt := logger.Debug()
		if status >= http.StatusInternalServerError {
			evt = logger.Error()
		}
		evt.Int("status", status).Dur("latency", time.Since(start)).Msg("Request handled")
	}
}

// respondError writes the standard error body for err
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		reqLog := logging.FromContext(c.Request.Context())
		reqLog.Error().Err(err).Msg("Request failed")
	}
	c.JSON(status, gin.H{
		"error":   apperr.CodeOf(err),
		"message": apperr.MessageOf(err),
	})
}

// badRequest writes a 400 with a fixed code and message
func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}
