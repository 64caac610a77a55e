package proxy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/deep-blue/dcms-edge/internal/config"
	"github.com/deep-blue/dcms-edge/internal/server"
	"github.com/deep-blue/dcms-edge/internal/strategy"
)

const requestIDKey = "_dcms_request_id"

func TestForwarderMissingHandler(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(nil, logger)
	route := testRoute()

	if err := forwarder.Handle(ctx, route); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing handler, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_missing") {
		t.Fatalf("expected error body to mention handler_missing, got %s", body)
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") || !strings.Contains(logBuf.String(), "deep-blue") {
		t.Fatalf("expected log to include request id and site, got %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	handler := server.ProxyHandlerFunc(func(fiber.Ctx, *server.SiteRoute) error {
		panic("boom")
	})
	forwarder := NewForwarder(handler, logger)

	if err := forwarder.Handle(ctx, testRoute()); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_panic") {
		t.Fatalf("expected error body to mention handler_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "boom") {
		t.Fatalf("expected log to include panic message, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "panic-req" {
		t.Fatalf("expected request id header panic-req, got %s", got)
	}
}

func TestForwarderDelegates(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)

	var seen *server.SiteRoute
	handler := server.ProxyHandlerFunc(func(c fiber.Ctx, route *server.SiteRoute) error {
		seen = route
		return c.SendStatus(fiber.StatusNoContent)
	})
	route := testRoute()
	if err := NewForwarder(handler, logrus.New()).Handle(ctx, route); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != route {
		t.Fatalf("route not passed through")
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
}

func testRoute() *server.SiteRoute {
	return &server.SiteRoute{
		Config: config.SiteConfig{
			Name:     "deep-blue",
			Domain:   "book.deepblue.local",
			Upstream: "http://10.0.0.12:8080",
			Strategy: "cache-first",
		},
		ListenPort:   5000,
		CacheVersion: "dcms-v1",
		Strategy:     strategy.Metadata{Key: "cache-first"},
	}
}
