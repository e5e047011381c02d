package worker

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/any-hub/offline-hub/internal/control"
)

// EventKind 是 worker 生命周期中的事件类别。
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventSync     EventKind = "sync"
	EventMessage  EventKind = "message"
	EventPush     EventKind = "push"
)

// Event 是投递给 worker 的一条消息。result 为空表示投递方不等待结果。
type Event struct {
	Kind    EventKind
	Tag     string
	Message control.Request
	Payload []byte

	result chan eventResult
}

type eventResult struct {
	value any
	err   error
}

// HandlerFunc 处理一类事件。
type HandlerFunc func(ctx context.Context, ev Event) (any, error)

// ErrDuplicateHandler 表示同一事件类别重复注册。
var ErrDuplicateHandler = errors.New("event handler already registered")

// ErrNoHandler 表示事件类别没有注册处理函数。
var ErrNoHandler = errors.New("no handler for event")

// handlerTable 以事件类别为 key 保存处理函数。
type handlerTable struct {
	handlers sync.Map
}

func (t *handlerTable) register(kind EventKind, fn HandlerFunc) error {
	if kind == "" || fn == nil {
		return errors.New("event kind and handler required")
	}
	if _, loaded := t.handlers.LoadOrStore(kind, fn); loaded {
		return ErrDuplicateHandler
	}
	return nil
}

func (t *handlerTable) fetch(kind EventKind) (HandlerFunc, bool) {
	if value, ok := t.handlers.Load(kind); ok {
		if fn, ok := value.(HandlerFunc); ok {
			return fn, true
		}
	}
	return nil, false
}

// snapshot 返回各事件类别的注册状态，供状态端点输出。
func (t *handlerTable) snapshot(kinds []EventKind) map[string]string {
	out := make(map[string]string, len(kinds))
	for _, kind := range kinds {
		status := "missing"
		if _, ok := t.fetch(kind); ok {
			status = "registered"
		}
		out[string(kind)] = status
	}
	return out
}

func allKinds() []EventKind {
	kinds := []EventKind{EventInstall, EventActivate, EventSync, EventMessage, EventPush}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
