// Package syncqueue 实现离线期间产生的变更动作的持久化 FIFO 队列。
// 每个同步标签（例如 sync-data）对应一个队列，drain 时按入队顺序逐个重放。
package syncqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action 是一条待重放的变更。ID 在队列内唯一，Seq 决定重放顺序。
type Action struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Seq        int64           `json:"seq"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

var (
	// ErrDuplicateAction 表示队列中已存在同 ID 的动作。
	ErrDuplicateAction = errors.New("duplicate action id")
	// ErrActionNotFound 表示 Discard 的目标不在队列中。
	ErrActionNotFound = errors.New("action not found")
	// ErrUnknownTag 表示请求的同步标签未配置。
	ErrUnknownTag = errors.New("unknown sync tag")
)

// ActionReplayFailure 描述一次失败的重放；drain 只记录它，不向外传播。
type ActionReplayFailure struct {
	Tag      string
	ActionID string
	Attempts int
	Cause    error
}

func (e *ActionReplayFailure) Error() string {
	return fmt.Sprintf("replay %s/%s (attempt %d): %v", e.Tag, e.ActionID, e.Attempts, e.Cause)
}

func (e *ActionReplayFailure) Unwrap() error {
	return e.Cause
}

// DrainReport 汇总一次 drain 的结果。Skipped 表示另一个 drain 正在进行。
type DrainReport struct {
	Tag       string `json:"tag"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Discarded int    `json:"discarded"`
	Remaining int    `json:"remaining"`
	Skipped   bool   `json:"skipped"`
}
