package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
)

func TestLoggerLevelsAndFields(t *testing.T) {
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zapcore.DebugLevel)
	engine := &fakeDecisionEngine{decision: domain.Decision{Allowed: false, Limit: 5, RetryAfterSeconds: 7}}

	router := gin.New()
	router.Use(EnrichContext(), RequestID(), Logger(zap.New(core)))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })
	limited := router.Group("/api", NewRateLimiter(engine, zap.New(core)).RateLimit(FixedClass("quote-read")))
	limited.GET("/quotes", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func(path string) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.7:4000"
		req.Header.Set(HeaderTenantID, "T1")
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	serve("/healthz")
	serve("/api/quotes")
	serve("/boom")

	probe := logs.FilterMessage("probe served").All()
	if len(probe) != 1 || probe[0].Level != zapcore.DebugLevel {
		t.Fatalf("expected one debug probe entry, got %v", probe)
	}

	rejected := logs.FilterMessage("request rejected").All()
	if len(rejected) != 1 || rejected[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry for the denial, got %v", rejected)
	}
	fields := rejected[0].ContextMap()
	if fields["client_ip"] != "203.0.*.*" {
		t.Fatalf("expected masked client ip, got %v", fields["client_ip"])
	}
	if fields["tenant_id"] != "T1" || fields["rate_limit_allowed"] != false || fields["retry_after_seconds"] != int64(7) {
		t.Fatalf("unexpected denial fields %v", fields)
	}
	if fields["route"] != "/api/quotes" {
		t.Fatalf("unexpected route %v", fields["route"])
	}

	if failed := logs.FilterMessage("request failed").Len(); failed != 1 {
		t.Fatalf("expected one error entry, got %d", failed)
	}
}
