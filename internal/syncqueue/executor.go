package syncqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Executor 把一个动作重放到源站。返回 nil 即视为成功并从队列删除。
type Executor interface {
	Execute(ctx context.Context, tag string, action Action) error
}

// ExecutorFunc 让普通函数满足 Executor。
type ExecutorFunc func(ctx context.Context, tag string, action Action) error

func (f ExecutorFunc) Execute(ctx context.Context, tag string, action Action) error {
	return f(ctx, tag, action)
}

// HTTPExecutor 以 POST <Origin><ReplayPath> 重放动作载荷，非 2xx 视为失败。
type HTTPExecutor struct {
	Client     *http.Client
	Origin     string
	ReplayPath string
}

// ErrReplayRejected 表示源站返回了非 2xx。
var ErrReplayRejected = errors.New("replay rejected by origin")

func (e *HTTPExecutor) Execute(ctx context.Context, tag string, action Action) error {
	target := strings.TrimRight(e.Origin, "/") + e.ReplayPath
	body := action.Payload
	if len(body) == 0 {
		body = []byte("null")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Action-ID", action.ID)
	req.Header.Set("X-Sync-Tag", tag)

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// 读完响应体以便连接复用。
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrReplayRejected, resp.StatusCode)
	}
	return nil
}
