package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/control"
)

type controlRequest struct {
	Type    string `json:"type"`
	NoReply bool   `json:"no_reply"`
}

// RegisterControlRoutes 把 POST /-/control 绑定到控制通道。
// no_reply 为 true 时只投递不等待，返回 202。
func RegisterControlRoutes(app *fiber.App, deps Deps) {
	if deps.Control == nil {
		return
	}

	app.Post("/-/control", func(c fiber.Ctx) error {
		var req controlRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return errorJSON(c, fiber.StatusBadRequest, "invalid_body")
		}
		verb := control.Verb(strings.TrimSpace(req.Type))
		if verb == "" {
			return errorJSON(c, fiber.StatusBadRequest, "type_required")
		}

		if req.NoReply {
			deps.Control.Notify(c.Context(), verb)
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
		}

		reply, err := deps.Control.Call(c.Context(), verb)
		if err != nil {
			if errors.Is(err, control.ErrProtocolViolation) {
				deps.Logger.WithError(err).WithField("verb", string(verb)).Error("control_no_reply")
				return errorJSON(c, fiber.StatusGatewayTimeout, "control_timeout")
			}
			return errorJSON(c, fiber.StatusInternalServerError, "control_failed")
		}
		return c.JSON(reply)
	})
}
