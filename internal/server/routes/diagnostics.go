// Package routes 注册 /-/ 下的运维接口，这些请求不经过站点 Host 路由。
//
// 只读诊断接口同时挂在公开监听与管理监听上；会改变站点状态的接口
// （版本更新、同步、推送）只挂在仅监听回环地址的管理应用上。
package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deep-blue/dcms-edge/internal/host"
	"github.com/deep-blue/dcms-edge/internal/server"
	"github.com/deep-blue/dcms-edge/internal/strategy"
	"github.com/deep-blue/dcms-edge/internal/version"
)

// RegisterDiagnosticsRoutes 暴露健康检查、指标、策略与站点状态等只读接口。
// 通知点击是通知里的链接，需要对访客可达，因此也注册在这里。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.SiteRegistry, rt *host.Runtime) {
	if app == nil || registry == nil || rt == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":         "ok",
			"version":        version.Full(),
			"offline_sites":  rt.Monitor().OfflineSites(),
			"pending_events": rt.PendingEvents(),
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"strategies": strategy.List(),
			"sites":      encodeSiteBindings(registry.List()),
		})
	})

	app.Get("/-/strategies/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "strategy_key_required"})
		}
		meta, ok := strategy.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "strategy_not_found"})
		}
		return c.JSON(meta)
	})

	app.Get("/-/sites", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"sites": rt.Status()})
	})

	app.Get("/-/sites/:site/partitions", func(c fiber.Ctx) error {
		infos, err := rt.Partitions(c.Context(), c.Params("site"))
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(fiber.Map{"partitions": infos})
	})

	app.Get("/-/sites/:site/sync/pending", func(c fiber.Ctx) error {
		pending, dead, err := rt.PendingSync(c.Params("site"))
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(fiber.Map{"pending": pending, "dead_letters": dead})
	})

	app.Get("/-/sites/:site/notifications", func(c fiber.Ctx) error {
		site := c.Params("site")
		if _, ok := registry.Site(site); !ok {
			return renderError(c, host.ErrUnknownSite)
		}
		return c.JSON(fiber.Map{"notifications": rt.Notifications(site)})
	})

	app.Get("/-/sites/:site/notifications/:id/click", func(c fiber.Ctx) error {
		target, err := rt.Click(c.Context(), c.Params("site"), c.Params("id"))
		if err != nil {
			return renderError(c, err)
		}
		return c.Redirect().Status(fiber.StatusSeeOther).To(target)
	})
}

type siteBindingPayload struct {
	Site         string `json:"site"`
	Domain       string `json:"domain"`
	Port         int    `json:"port"`
	Strategy     string `json:"strategy"`
	CacheVersion string `json:"cache_version"`
	Upstream     string `json:"upstream"`
}

func encodeSiteBindings(routes []server.SiteRoute) []siteBindingPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]siteBindingPayload, 0, len(routes))
	for _, route := range routes {
		item := siteBindingPayload{
			Site:         route.Config.Name,
			Domain:       route.Config.Domain,
			Port:         route.ListenPort,
			Strategy:     route.Strategy.Key,
			CacheVersion: route.CacheVersion,
		}
		if route.UpstreamURL != nil {
			item.Upstream = route.UpstreamURL.String()
		}
		result = append(result, item)
	}
	return result
}

func renderError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, host.ErrUnknownSite):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
	case errors.Is(err, host.ErrNotActive):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "site_not_active"})
	case errors.Is(err, host.ErrInvalidVersion):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_version", "detail": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal", "detail": err.Error()})
	}
}
