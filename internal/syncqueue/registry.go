package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// RegistryOptions 描述一组命名队列的公共配置。
type RegistryOptions struct {
	Dir         string
	Tags        []string
	Executor    Executor
	Locker      Locker
	MaxAttempts int
	Logger      *logrus.Logger
}

// Registry 按同步标签持有队列，所有标签在打开时确定。
type Registry struct {
	mu     sync.RWMutex
	queues map[string]*Queue
}

// OpenRegistry 为每个标签打开 <Dir>/<tag> 下的队列。
func OpenRegistry(opts RegistryOptions) (*Registry, error) {
	if len(opts.Tags) == 0 {
		return nil, errors.New("at least one sync tag required")
	}
	reg := &Registry{queues: make(map[string]*Queue, len(opts.Tags))}
	for _, tag := range opts.Tags {
		if err := validateTag(tag); err != nil {
			return nil, err
		}
		q, err := OpenQueue(QueueOptions{
			Tag:         tag,
			Dir:         filepath.Join(opts.Dir, tag),
			Executor:    opts.Executor,
			Locker:      opts.Locker,
			MaxAttempts: opts.MaxAttempts,
			Logger:      opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		reg.queues[tag] = q
	}
	return reg, nil
}

// Queue 返回标签对应的队列，未配置时返回 ErrUnknownTag。
func (r *Registry) Queue(tag string) (*Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	return q, nil
}

// Drain 排空指定标签的队列。
func (r *Registry) Drain(ctx context.Context, tag string) (DrainReport, error) {
	q, err := r.Queue(tag)
	if err != nil {
		return DrainReport{Tag: tag}, err
	}
	return q.Drain(ctx), nil
}

// Tags 返回已排序的标签列表。
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.queues))
	for tag := range r.queues {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Depths 返回各队列的待处理数量，供状态端点输出。
func (r *Registry) Depths() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.queues))
	for tag, q := range r.queues {
		out[tag] = q.Len()
	}
	return out
}

func validateTag(tag string) error {
	if tag == "" || tag == "." || tag == ".." || strings.ContainsAny(tag, `/\`) || strings.HasPrefix(tag, ".") {
		return fmt.Errorf("invalid sync tag %q", tag)
	}
	return nil
}
