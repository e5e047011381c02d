package control

import (
	"context"
	"fmt"
	"time"
)

// Dispatcher 接收控制请求并异步处理，worker 与 Channel 都实现了它。
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request)
}

// DefaultCallTimeout 是 Client 在调用方未设置截止时间时使用的等待上限。
const DefaultCallTimeout = 10 * time.Second

// Client 是调用方视角：发送请求并等待唯一的应答。
type Client struct {
	dispatcher Dispatcher
	timeout    time.Duration
}

// NewClient 构造 Client；timeout <= 0 时使用 DefaultCallTimeout。
func NewClient(dispatcher Dispatcher, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{dispatcher: dispatcher, timeout: timeout}
}

// Call 发送带应答通道的请求。截止时间前没有应答时返回 ErrProtocolViolation。
func (c *Client) Call(ctx context.Context, verb Verb) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	replies := make(chan Reply, 1)
	c.dispatcher.Dispatch(ctx, Request{Verb: verb, Reply: replies})

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("%w: %s: %v", ErrProtocolViolation, verb, ctx.Err())
	}
}

// Notify 发送不需要应答的请求（例如 SKIP_WAITING）。
func (c *Client) Notify(ctx context.Context, verb Verb) {
	c.dispatcher.Dispatch(ctx, Request{Verb: verb})
}
