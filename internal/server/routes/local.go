package routes

import (
	"encoding/json"

	"github.com/gofiber/fiber/v3"
)

// RegisterLocalRoutes 暴露 LocalCache 的键值接口，值为任意 JSON。
func RegisterLocalRoutes(app *fiber.App, deps Deps) {
	store := deps.Local
	if store == nil {
		return
	}

	app.Get("/-/local/:key", func(c fiber.Ctx) error {
		var value json.RawMessage
		found, err := store.Get(c.Params("key"), &value)
		if err != nil {
			deps.Logger.WithError(err).WithField("key", c.Params("key")).Warn("local_get_failed")
			return errorJSON(c, fiber.StatusInternalServerError, "local_read_failed")
		}
		if !found {
			return errorJSON(c, fiber.StatusNotFound, "local_cache_miss")
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(value)
	})

	app.Put("/-/local/:key", func(c fiber.Ctx) error {
		body := append([]byte(nil), c.Body()...)
		if !json.Valid(body) {
			return errorJSON(c, fiber.StatusBadRequest, "invalid_json")
		}
		if err := store.Set(c.Params("key"), json.RawMessage(body)); err != nil {
			deps.Logger.WithError(err).WithField("key", c.Params("key")).Warn("local_set_failed")
			return errorJSON(c, fiber.StatusInternalServerError, "local_write_failed")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/-/local/:key", func(c fiber.Ctx) error {
		if err := store.Remove(c.Params("key")); err != nil {
			return errorJSON(c, fiber.StatusInternalServerError, "local_remove_failed")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/-/local", func(c fiber.Ctx) error {
		if err := store.ClearAll(); err != nil {
			return errorJSON(c, fiber.StatusInternalServerError, "local_clear_failed")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}
