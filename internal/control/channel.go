package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// AssetCache 是控制通道需要的缓存操作子集，*cache.AssetCache 满足该接口。
type AssetCache interface {
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]cache.RequestKey, error)
	Origin() string
}

// Activator 接收 SKIP_WAITING，让等待中的 worker 立即激活。
type Activator interface {
	SkipWaiting()
}

// Channel 按指令分派请求。
type Channel struct {
	cache     AssetCache
	activator Activator
	logger    *logrus.Entry
}

// NewChannel 构造控制通道；activator 可以为空，此时 SKIP_WAITING 只做应答。
func NewChannel(assets AssetCache, activator Activator, logger *logrus.Logger) *Channel {
	return &Channel{cache: assets, activator: activator, logger: logging.Component(logger, "control")}
}

// Serve 同步处理一个请求。无论处理函数正常返回、出错还是 panic，
// 只要请求声明了应答通道，就恰好发送一条应答。
func (c *Channel) Serve(ctx context.Context, req Request) {
	var once sync.Once
	replied := false
	reply := func(r Reply) {
		if req.Reply == nil {
			return
		}
		once.Do(func() {
			replied = true
			select {
			case req.Reply <- r:
			case <-ctx.Done():
				c.logger.WithFields(logrus.Fields{"action": "control", "verb": string(req.Verb)}).
					Warn("control_reply_abandoned")
			}
		})
	}

	defer func() {
		if p := recover(); p != nil {
			c.logger.WithFields(logrus.Fields{
				"action": "control",
				"verb":   string(req.Verb),
				"panic":  fmt.Sprint(p),
			}).Error("control_handler_panic")
			reply(ErrorReply("internal_error"))
			return
		}
		if !replied {
			reply(ErrorReply("no_reply"))
		}
	}()

	switch req.Verb {
	case VerbSkipWaiting:
		if c.activator != nil {
			c.activator.SkipWaiting()
		}
		reply(SuccessReply(true, nil))
	case VerbClearCache:
		reply(c.clearCache(ctx))
	case VerbGetCacheSize:
		reply(c.cacheSize(ctx))
	default:
		c.logger.WithFields(logrus.Fields{"action": "control", "verb": string(req.Verb)}).
			Warn("control_unknown_verb")
		reply(ErrorReply(ErrorUnknownVerb))
	}
}

// Dispatch 在独立 goroutine 中处理请求，满足 Dispatcher。
func (c *Channel) Dispatch(ctx context.Context, req Request) {
	go c.Serve(ctx, req)
}

func (c *Channel) clearCache(ctx context.Context) Reply {
	if err := c.cache.Clear(ctx); err != nil {
		c.logger.WithError(err).WithField("action", "control").Error("control_clear_cache_failed")
		return SuccessReply(false, err)
	}
	c.logger.WithField("action", "control").Info("control_cache_cleared")
	return SuccessReply(true, nil)
}

func (c *Channel) cacheSize(ctx context.Context) Reply {
	keys, err := c.cache.Keys(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("action", "control").Error("control_cache_size_failed")
		return ErrorReply(err.Error())
	}
	origin := c.cache.Origin()
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = key.Relative(origin)
	}
	return SizeReply(out)
}
