package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler 负责应答某个预订站点的请求：命中缓存分区直接返回，否则访问上游。
// 测试中可以注入假实现。
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions 描述公开监听的依赖。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Proxy      ProxyHandler
	ListenPort int
}

// 边缘服务写出的响应头。
const (
	// HeaderSite 标记命中的站点名，便于排查多站点部署。
	HeaderSite = "X-DCMS-Edge-Site"
	// HeaderHost 回显无法映射的 Host。
	HeaderHost = "X-DCMS-Edge-Host"
)

// AdminBindHost 是管理监听绑定的地址，管理接口只对本机开放。
const AdminBindHost = "127.0.0.1"

const (
	contextKeyRoute     = "_dcms_route"
	contextKeyRequestID = "_dcms_request_id"
)

// NewApp 构建公开监听：按 Host 查找站点后交给 ProxyHandler。
// /-/ 下的诊断接口由调用方注册，不做站点查找，且只接受 GET/HEAD；
// 变更类接口只存在于 NewAdminApp 创建的管理应用上。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("site registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware)
	app.Use(publicDiagnosticsGuard(opts.Logger))
	app.Use(siteLookupMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(requestPath(c)) {
			return c.Next()
		}
		route, _ := getRouteFromContext(c)
		if route == nil {
			return renderHostUnmapped(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// NewAdminApp 构建管理监听：不做站点查找，每个请求都会写一条审计日志。
func NewAdminApp(logger *logrus.Logger) (*fiber.App, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})
	app.Use(recover.New())
	app.Use(requestIDMiddleware)
	app.Use(adminAuditMiddleware(logger))
	return app, nil
}

// AdminAddr 返回管理监听地址。
func AdminAddr(port int) string {
	return net.JoinHostPort(AdminBindHost, strconv.Itoa(port))
}

func requestIDMiddleware(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(contextKeyRequestID, reqID)
	c.Set("X-Request-ID", reqID)
	return c.Next()
}

// publicDiagnosticsGuard 拒绝公开监听上任何非只读的 /-/ 请求，避免访客触发版本切换或推送。
func publicDiagnosticsGuard(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		if !isDiagnosticsPath(requestPath(c)) {
			return c.Next()
		}
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead:
			return c.Next()
		}
		logger.WithFields(logrus.Fields{
			"action":     "diagnostics_guard",
			"method":     c.Method(),
			"path":       requestPath(c),
			"remote_ip":  c.IP(),
			"request_id": RequestID(c),
		}).Warn("公开监听拒绝变更类运维请求")
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin_listener_only"})
	}
}

// siteLookupMiddleware 基于 Host/Host:port 查找 SiteRoute。
func siteLookupMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(requestPath(c)) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}

		c.Locals(contextKeyRoute, route)
		c.Set(HeaderSite, route.Config.Name)
		return c.Next()
	}
}

func adminAuditMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		err := c.Next()
		entry := logger.WithFields(logrus.Fields{
			"action":     "admin",
			"method":     c.Method(),
			"path":       requestPath(c),
			"status":     c.Response().StatusCode(),
			"elapsed_ms": time.Since(started).Milliseconds(),
			"request_id": RequestID(c),
		})
		if c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead {
			entry.Debug("admin_request")
		} else {
			entry.Info("admin_request")
		}
		return err
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	if host != "" {
		c.Set(HeaderHost, host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getRouteFromContext(c fiber.Ctx) (*SiteRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*SiteRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID 返回中间件为当前请求生成的 ID。
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func requestPath(c fiber.Ctx) string {
	return string(c.Request().URI().Path())
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
