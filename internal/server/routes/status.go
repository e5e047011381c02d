package routes

import (
	"github.com/gofiber/fiber/v3"
)

// RegisterStatusRoutes 暴露 /-/status 与 /-/push。
func RegisterStatusRoutes(app *fiber.App, deps Deps) {
	if deps.Worker == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"version": deps.Version,
			"worker":  deps.Worker.Status(),
		}
		if deps.Local != nil {
			payload["local_entries"] = deps.Local.Len()
		}
		return c.JSON(payload)
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		payload := append([]byte(nil), c.Body()...)
		notification, err := deps.Worker.Push(c.Context(), payload)
		if err != nil {
			deps.Logger.WithError(err).WithField("action", "push").Warn("push_route_failed")
			return errorJSON(c, fiber.StatusBadGateway, "push_failed")
		}
		return c.JSON(notification)
	})
}
