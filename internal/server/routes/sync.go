package routes

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/syncqueue"
)

type enqueueRequest struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterSyncRoutes 暴露同步触发与队列管理接口。
func RegisterSyncRoutes(app *fiber.App, deps Deps) {
	if deps.Worker != nil {
		app.Post("/-/sync/:tag", func(c fiber.Ctx) error {
			report, err := deps.Worker.Sync(c.Context(), c.Params("tag"))
			if err != nil {
				if errors.Is(err, syncqueue.ErrUnknownTag) {
					return errorJSON(c, fiber.StatusNotFound, "unknown_sync_tag")
				}
				deps.Logger.WithError(err).WithField("tag", c.Params("tag")).Error("sync_route_failed")
				return errorJSON(c, fiber.StatusInternalServerError, "sync_failed")
			}
			return c.JSON(report)
		})
	}

	if deps.Queues == nil {
		return
	}

	app.Get("/-/sync/:tag/actions", func(c fiber.Ctx) error {
		queue, err := deps.Queues.Queue(c.Params("tag"))
		if err != nil {
			return errorJSON(c, fiber.StatusNotFound, "unknown_sync_tag")
		}
		actions := queue.Pending(c.Context())
		if actions == nil {
			actions = []syncqueue.Action{}
		}
		return c.JSON(fiber.Map{"tag": queue.Tag(), "actions": actions})
	})

	app.Post("/-/sync/:tag/actions", func(c fiber.Ctx) error {
		queue, err := deps.Queues.Queue(c.Params("tag"))
		if err != nil {
			return errorJSON(c, fiber.StatusNotFound, "unknown_sync_tag")
		}
		var req enqueueRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return errorJSON(c, fiber.StatusBadRequest, "invalid_body")
		}
		if len(req.Payload) == 0 {
			return errorJSON(c, fiber.StatusBadRequest, "payload_required")
		}
		action, err := queue.Enqueue(c.Context(), req.ID, append(json.RawMessage(nil), req.Payload...))
		if err != nil {
			if errors.Is(err, syncqueue.ErrDuplicateAction) {
				return errorJSON(c, fiber.StatusConflict, "duplicate_action")
			}
			deps.Logger.WithError(err).WithField("tag", queue.Tag()).Error("sync_enqueue_failed")
			return errorJSON(c, fiber.StatusInternalServerError, "enqueue_failed")
		}
		return c.Status(fiber.StatusCreated).JSON(action)
	})

	app.Delete("/-/sync/:tag/actions/:id", func(c fiber.Ctx) error {
		queue, err := deps.Queues.Queue(c.Params("tag"))
		if err != nil {
			return errorJSON(c, fiber.StatusNotFound, "unknown_sync_tag")
		}
		if err := queue.Discard(c.Context(), c.Params("id")); err != nil {
			if errors.Is(err, syncqueue.ErrActionNotFound) {
				return errorJSON(c, fiber.StatusNotFound, "action_not_found")
			}
			return errorJSON(c, fiber.StatusInternalServerError, "discard_failed")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}
