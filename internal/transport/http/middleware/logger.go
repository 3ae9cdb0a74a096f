package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	appLogger "github.com/arklim/tenant-ratelimit/internal/infra/logger"
)

// quietPaths are probe endpoints logged at debug level.
var quietPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

// Logger writes one access log line per request. Server errors log at error level,
// rate limit denials and other client errors at warn, probes at debug.
func Logger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("trace_id", GetTraceID(c)),
			zap.String("request_id", requestIDFromContext(c.Request.Context())),
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", appLogger.MaskIP(ClientIP(c))),
		}
		if tenant := tenantID(c); tenant != "" {
			fields = append(fields, zap.String("tenant_id", tenant))
		}
		fields = append(fields, decisionFields(c)...)
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch _, quiet := quietPaths[c.Request.URL.Path]; {
		case status >= 500 || len(c.Errors) > 0:
			log.Error("request failed", fields...)
		case status >= 400:
			log.Warn("request rejected", fields...)
		case quiet:
			log.Debug("probe served", fields...)
		default:
			log.Info("request completed", fields...)
		}
	}
}

func decisionFields(c *gin.Context) []zap.Field {
	value, ok := c.Get(DecisionKey)
	if !ok {
		return nil
	}
	decision, ok := value.(domain.Decision)
	if !ok {
		return nil
	}
	fields := []zap.Field{zap.Bool("rate_limit_allowed", decision.Allowed)}
	if !decision.Allowed {
		fields = append(fields, zap.Int64("retry_after_seconds", decision.RetryAfterSeconds))
	}
	if decision.Degraded {
		fields = append(fields, zap.Bool("rate_limit_degraded", true))
	}
	return fields
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(appLogger.RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}
