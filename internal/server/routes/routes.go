// Package routes 注册 /-/ 下的诊断与控制接口。
package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/control"
	"github.com/any-hub/offline-hub/internal/localcache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/syncqueue"
	"github.com/any-hub/offline-hub/internal/worker"
)

// Worker 是路由需要的 worker 能力，*worker.Worker 满足该接口。
type Worker interface {
	Status() worker.Status
	Sync(ctx context.Context, tag string) (syncqueue.DrainReport, error)
	Push(ctx context.Context, payload []byte) (worker.Notification, error)
}

// QueueLookup 按标签返回同步队列，*syncqueue.Registry 满足该接口。
type QueueLookup interface {
	Queue(tag string) (*syncqueue.Queue, error)
}

// Deps 汇总各路由的依赖；为 nil 的依赖对应的路由不注册。
type Deps struct {
	Worker  Worker
	Control *control.Client
	Queues  QueueLookup
	Local   *localcache.Store
	Version string
	Logger  *logrus.Logger
}

// Register 注册全部 /-/ 路由。
func Register(app *fiber.App, deps Deps) {
	if app == nil {
		return
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	RegisterStatusRoutes(app, deps)
	RegisterControlRoutes(app, deps)
	RegisterSyncRoutes(app, deps)
	RegisterLocalRoutes(app, deps)
}

func errorJSON(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
