package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/deep-blue/dcms-edge/internal/host"
)

// RegisterAdminRoutes 注册会改变站点状态的接口，只应挂在 server.NewAdminApp 创建的应用上。
func RegisterAdminRoutes(app *fiber.App, rt *host.Runtime) {
	if app == nil || rt == nil {
		return
	}

	app.Post("/-/sites/:site/update", func(c fiber.Ctx) error {
		m, err := rt.Update(c.Context(), c.Params("site"), strings.TrimSpace(c.Query("version")))
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(fiber.Map{"site": m.Site(), "version": m.Version(), "state": m.State().String()})
	})

	app.Post("/-/sites/:site/sync", func(c fiber.Ctx) error {
		result, err := rt.Sync(c.Context(), c.Params("site"))
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(result)
	})

	app.Post("/-/sites/:site/sync/pending", func(c fiber.Ctx) error {
		task, err := rt.EnqueueSync(c.Params("site"), c.Body())
		if err != nil {
			if errors.Is(err, host.ErrUnknownSite) {
				return renderError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "detail": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(task)
	})

	app.Post("/-/sites/:site/push", func(c fiber.Ctx) error {
		n, err := rt.Push(c.Context(), c.Params("site"), c.Body())
		if err != nil {
			return renderError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(n)
	})
}
