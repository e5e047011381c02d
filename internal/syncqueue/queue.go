package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
)

// QueueOptions 配置单个队列。Locker 为空时只做进程内互斥；MaxAttempts 为 0 表示无限重试。
type QueueOptions struct {
	Tag         string
	Dir         string
	Executor    Executor
	Locker      Locker
	MaxAttempts int
	Logger      *logrus.Logger
}

// Queue 是单个同步标签的持久化 FIFO。mu 串行化存储写入，drainMu 保证同一时刻至多一个 drain。
type Queue struct {
	tag         string
	store       *diskStore
	executor    Executor
	locker      Locker
	maxAttempts int
	logger      *logrus.Entry
	now         func() time.Time

	mu      sync.Mutex
	actions []*Action
	ids     map[string]*Action
	lastSeq int64

	drainMu sync.Mutex
}

// OpenQueue 打开（必要时创建）队列目录并恢复未完成的动作。
func OpenQueue(opts QueueOptions) (*Queue, error) {
	if opts.Tag == "" {
		return nil, errors.New("sync tag required")
	}
	if opts.Executor == nil {
		return nil, errors.New("sync executor required")
	}
	logger := logging.Component(opts.Logger, "sync")
	store, err := openDiskStore(opts.Dir)
	if err != nil {
		return nil, err
	}
	actions, corrupt, err := store.load()
	if err != nil {
		return nil, fmt.Errorf("load queue %s: %w", opts.Tag, err)
	}
	for _, name := range corrupt {
		logger.WithFields(logrus.Fields{"action": "sync_load", "tag": opts.Tag, "file": name}).
			Warn("sync_action_corrupted")
	}

	q := &Queue{
		tag:         opts.Tag,
		store:       store,
		executor:    opts.Executor,
		locker:      opts.Locker,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
		now:         time.Now,
		actions:     actions,
		ids:         make(map[string]*Action, len(actions)),
	}
	for _, action := range actions {
		q.ids[action.ID] = action
		if action.Seq > q.lastSeq {
			q.lastSeq = action.Seq
		}
	}
	return q, nil
}

// Tag 返回队列的同步标签。
func (q *Queue) Tag() string {
	return q.tag
}

// Enqueue 持久化一条动作并返回带 ID/Seq 的副本。ID 为空时生成 uuid。
func (q *Queue) Enqueue(ctx context.Context, id string, payload json.RawMessage) (Action, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ids[id]; exists {
		return Action{}, fmt.Errorf("%w: %s", ErrDuplicateAction, id)
	}
	action := &Action{
		ID:         id,
		Payload:    append(json.RawMessage(nil), payload...),
		Seq:        q.lastSeq + 1,
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.store.save(action); err != nil {
		return Action{}, fmt.Errorf("persist action: %w", err)
	}
	q.lastSeq = action.Seq
	q.actions = append(q.actions, action)
	q.ids[id] = action

	q.logger.WithFields(logging.ActionFields(q.tag, id, 0)).Debug("sync_action_enqueued")
	return *action, nil
}

// Pending 返回按入队顺序排列的快照。
func (q *Queue) Pending(ctx context.Context) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, len(q.actions))
	for i, action := range q.actions {
		out[i] = *action
	}
	return out
}

// Len 返回待处理动作数量。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Discard 显式移除一条动作。
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	action, ok := q.ids[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	return q.removeLocked(action)
}

// Drain 按顺序逐个重放当前快照中的动作。单个动作失败只记录日志并保留在队列中，
// 后续动作照常执行。Drain 从不返回错误，结果通过 DrainReport 体现。
func (q *Queue) Drain(ctx context.Context) DrainReport {
	report := DrainReport{Tag: q.tag}

	if !q.drainMu.TryLock() {
		report.Skipped = true
		report.Remaining = q.Len()
		return report
	}
	defer q.drainMu.Unlock()

	if q.locker != nil {
		release, ok, err := q.locker.TryAcquire(ctx, q.tag)
		if err != nil {
			q.logger.WithError(err).WithFields(logrus.Fields{"action": "sync", "tag": q.tag}).
				Warn("sync_drain_lock_failed")
		}
		if err != nil || !ok {
			report.Skipped = true
			report.Remaining = q.Len()
			return report
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				q.logger.WithError(err).WithField("tag", q.tag).Warn("sync_drain_unlock_failed")
			}
		}()
	}

	for _, action := range q.snapshot() {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++
		if err := q.executor.Execute(ctx, q.tag, *action); err != nil {
			report.Failed++
			if q.recordFailure(action, err) {
				report.Discarded++
			}
			continue
		}
		report.Succeeded++
		q.mu.Lock()
		if err := q.removeLocked(action); err != nil {
			q.logger.WithError(err).WithFields(logging.ActionFields(q.tag, action.ID, action.Attempts)).
				Error("sync_action_remove_failed")
		}
		q.mu.Unlock()
	}

	report.Remaining = q.Len()
	q.logger.WithFields(logrus.Fields{
		"action":    "sync",
		"tag":       q.tag,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"discarded": report.Discarded,
		"remaining": report.Remaining,
	}).Info("sync_drain_complete")
	return report
}

func (q *Queue) snapshot() []*Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Action(nil), q.actions...)
}

// recordFailure 累加失败次数并持久化；达到 MaxAttempts 时丢弃动作并返回 true。
func (q *Queue) recordFailure(action *Action, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ids[action.ID]; !ok {
		// drain 期间被 Discard。
		return false
	}
	action.Attempts++
	failure := &ActionReplayFailure{Tag: q.tag, ActionID: action.ID, Attempts: action.Attempts, Cause: cause}
	fields := logging.ActionFields(q.tag, action.ID, action.Attempts)

	if q.maxAttempts > 0 && action.Attempts >= q.maxAttempts {
		if err := q.removeLocked(action); err != nil {
			q.logger.WithError(err).WithFields(fields).Error("sync_action_remove_failed")
		}
		q.logger.WithError(failure).WithFields(fields).Warn("sync_action_discarded")
		return true
	}

	if err := q.store.save(action); err != nil {
		q.logger.WithError(err).WithFields(fields).Error("sync_action_persist_failed")
	}
	q.logger.WithError(failure).WithFields(fields).Warn("sync_action_replay_failed")
	return false
}

func (q *Queue) removeLocked(action *Action) error {
	if err := q.store.delete(action); err != nil {
		return err
	}
	delete(q.ids, action.ID)
	for i, candidate := range q.actions {
		if candidate == action {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			break
		}
	}
	return nil
}
