// Package worker 驱动离线缓存进程的生命周期：install → activate →（fetch | sync | message | push）*。
// 除 fetch 外的事件都经由事件表分派，每个事件在独立 goroutine 中处理。
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/control"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/syncqueue"
)

// Phase 是 worker 当前所处阶段。
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseInstalling Phase = "installing"
	PhaseWaiting    Phase = "waiting"
	PhaseActivating Phase = "activating"
	PhaseActivated  Phase = "activated"
)

// ErrStopped 表示 worker 已经关闭。
var ErrStopped = errors.New("worker stopped")

// AssetCache 是 worker 需要的资源缓存能力，*cache.AssetCache 满足该接口。
type AssetCache interface {
	control.AssetCache
	Initialize(ctx context.Context, gen cache.Generation, manifest []string) error
	Activate(ctx context.Context, gen cache.Generation) ([]cache.Generation, error)
	Current() cache.Generation
}

// SyncDrainer 按标签排空同步队列，*syncqueue.Registry 满足该接口。
type SyncDrainer interface {
	Drain(ctx context.Context, tag string) (syncqueue.DrainReport, error)
	Depths() map[string]int
}

// Options 汇总 worker 的依赖。
type Options struct {
	Assets               AssetCache
	Manifest             []string
	SkipWaitingOnInstall bool
	Sync                 SyncDrainer
	Notifier             Notifier
	Logger               *logrus.Logger
}

// Worker 持有生命周期状态与事件循环。
type Worker struct {
	assets        AssetCache
	manifest      []string
	skipOnInstall bool
	sync          SyncDrainer
	notifier      Notifier
	logger        *logrus.Logger
	now           func() time.Time

	channel *control.Channel
	table   handlerTable
	events  chan Event

	mu          sync.RWMutex
	phase       Phase
	activatedAt time.Time
	deleted     []cache.Generation
	installErr  error

	installed chan struct{}
	activated chan struct{}
	skipCh    chan struct{}
	skipOnce  sync.Once

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	inflight  sync.WaitGroup
}

// New 构造 worker 并注册全部事件处理函数；调用 Start 后才开始安装。
func New(opts Options) (*Worker, error) {
	if opts.Assets == nil {
		return nil, errors.New("asset cache required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}

	w := &Worker{
		assets:        opts.Assets,
		manifest:      append([]string(nil), opts.Manifest...),
		skipOnInstall: opts.SkipWaitingOnInstall,
		sync:          opts.Sync,
		notifier:      notifier,
		logger:        logger,
		now:           time.Now,
		events:        make(chan Event, 64),
		phase:         PhaseIdle,
		installed:     make(chan struct{}),
		activated:     make(chan struct{}),
		skipCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	w.channel = control.NewChannel(opts.Assets, w, logger)

	for kind, fn := range map[EventKind]HandlerFunc{
		EventInstall:  w.handleInstall,
		EventActivate: w.handleActivate,
		EventSync:     w.handleSync,
		EventMessage:  w.handleMessage,
		EventPush:     w.handlePush,
	} {
		if err := w.table.register(kind, fn); err != nil {
			return nil, fmt.Errorf("register %s: %w", kind, err)
		}
	}
	return w, nil
}

// Start 启动事件循环并在后台执行安装与激活。重复调用无副作用。
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		go w.loop(loopCtx)
		go w.lifecycle(loopCtx)
	})
}

// Close 停止事件循环并等待在途处理函数结束。
func (w *Worker) Close() {
	w.stopOnce.Do(func() {
		if w.cancel == nil {
			close(w.done)
			return
		}
		w.cancel()
		<-w.done
	})
	w.inflight.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			fn, ok := w.table.fetch(ev.Kind)
			if !ok {
				if ev.result != nil {
					ev.result <- eventResult{err: fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind)}
				}
				continue
			}
			w.inflight.Add(1)
			go func(ev Event) {
				defer w.inflight.Done()
				value, err := fn(ctx, ev)
				if ev.result != nil {
					ev.result <- eventResult{value: value, err: err}
				}
			}(ev)
		}
	}
}

func (w *Worker) lifecycle(ctx context.Context) {
	gen := string(w.assets.Current())

	w.setPhase(PhaseInstalling)
	w.logger.WithFields(logging.EventFields(string(EventInstall), gen)).Info("worker_installing")
	if _, err := w.post(ctx, Event{Kind: EventInstall}); err != nil && ctx.Err() != nil {
		return
	}

	if !w.skipOnInstall && !w.skipRequested() {
		w.setPhase(PhaseWaiting)
		close(w.installed)
		w.logger.WithFields(logging.EventFields("waiting", gen)).Info("worker_waiting")
		select {
		case <-w.skipCh:
		case <-ctx.Done():
			return
		}
		w.setPhase(PhaseActivating)
	} else {
		w.setPhase(PhaseActivating)
		close(w.installed)
	}

	if _, err := w.post(ctx, Event{Kind: EventActivate}); err != nil && ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	w.phase = PhaseActivated
	w.activatedAt = w.now().UTC()
	w.mu.Unlock()
	close(w.activated)
	w.logger.WithFields(logging.EventFields(string(EventActivate), gen)).Info("worker_activated")
}

// post 把事件放入循环并等待处理结果。
func (w *Worker) post(ctx context.Context, ev Event) (any, error) {
	select {
	case <-w.done:
		return nil, ErrStopped
	default:
	}
	ev.result = make(chan eventResult, 1)
	select {
	case w.events <- ev:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrStopped
	}
	select {
	case res := <-ev.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) handleInstall(ctx context.Context, ev Event) (any, error) {
	err := w.assets.Initialize(ctx, w.assets.Current(), w.manifest)
	w.mu.Lock()
	w.installErr = err
	w.mu.Unlock()
	if err != nil {
		var partial *cache.BootstrapPartialFailure
		fields := logging.EventFields(string(EventInstall), string(w.assets.Current()))
		if errors.As(err, &partial) {
			fields["failed"] = partial.Failed
		}
		// 安装失败不影响进程，缓存在下次启动时补齐。
		w.logger.WithError(err).WithFields(fields).Error("worker_install_failed")
	}
	return nil, err
}

func (w *Worker) handleActivate(ctx context.Context, ev Event) (any, error) {
	gen := w.assets.Current()
	deleted, err := w.assets.Activate(ctx, gen)
	w.mu.Lock()
	w.deleted = deleted
	w.mu.Unlock()
	if err != nil {
		w.logger.WithError(err).WithFields(logging.EventFields(string(EventActivate), string(gen))).
			Error("worker_activate_failed")
	}
	return deleted, err
}

func (w *Worker) handleSync(ctx context.Context, ev Event) (any, error) {
	if w.sync == nil {
		return syncqueue.DrainReport{Tag: ev.Tag}, errors.New("sync queues not configured")
	}
	return w.sync.Drain(ctx, ev.Tag)
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) (any, error) {
	w.channel.Serve(ctx, ev.Message)
	return nil, nil
}

func (w *Worker) handlePush(ctx context.Context, ev Event) (any, error) {
	notification := BuildNotification(ev.Payload, w.now())
	if err := w.notifier.Notify(ctx, notification); err != nil {
		w.logger.WithError(err).WithField("action", "push").Warn("push_notify_failed")
		return notification, err
	}
	return notification, nil
}

// Dispatch 把控制请求作为 message 事件投递，满足 control.Dispatcher。
// 投递失败时不会产生应答，调用方以 ErrProtocolViolation 结束等待。
func (w *Worker) Dispatch(ctx context.Context, req control.Request) {
	ev := Event{Kind: EventMessage, Message: req}
	select {
	case w.events <- ev:
	case <-ctx.Done():
	case <-w.done:
	}
}

// Sync 触发指定标签的 drain 并等待报告。
func (w *Worker) Sync(ctx context.Context, tag string) (syncqueue.DrainReport, error) {
	value, err := w.post(ctx, Event{Kind: EventSync, Tag: tag})
	report, _ := value.(syncqueue.DrainReport)
	if report.Tag == "" {
		report.Tag = tag
	}
	return report, err
}

// Push 处理一次推送并返回展示的通知。
func (w *Worker) Push(ctx context.Context, payload []byte) (Notification, error) {
	value, err := w.post(ctx, Event{Kind: EventPush, Payload: payload})
	notification, _ := value.(Notification)
	return notification, err
}

// SkipWaiting 让等待中的 worker 立即激活，满足 control.Activator。
func (w *Worker) SkipWaiting() {
	w.skipOnce.Do(func() {
		close(w.skipCh)
		w.logger.WithFields(logging.EventFields("skip_waiting", string(w.assets.Current()))).Info("worker_skip_waiting")
	})
}

func (w *Worker) skipRequested() bool {
	select {
	case <-w.skipCh:
		return true
	default:
		return false
	}
}

// Ready 实现拦截器的激活闸门：安装与激活期间阻塞，等待 SKIP_WAITING 时返回 false。
func (w *Worker) Ready(ctx context.Context) (bool, error) {
	select {
	case <-w.installed:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	if w.Phase() == PhaseWaiting {
		return false, nil
	}
	select {
	case <-w.activated:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// WaitActivated 阻塞直到激活完成。
func (w *Worker) WaitActivated(ctx context.Context) error {
	select {
	case <-w.activated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Phase 返回当前阶段。
func (w *Worker) Phase() Phase {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.phase
}

func (w *Worker) setPhase(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

// Status 是 /-/status 输出的快照。
type Status struct {
	Phase              Phase             `json:"phase"`
	Generation         string            `json:"generation"`
	Waiting            bool              `json:"waiting"`
	ActivatedAt        *time.Time        `json:"activated_at,omitempty"`
	InstallError       string            `json:"install_error,omitempty"`
	DeletedGenerations []string          `json:"deleted_generations,omitempty"`
	Queues             map[string]int    `json:"queues,omitempty"`
	Handlers           map[string]string `json:"handlers"`
}

// Status 返回当前状态快照。
func (w *Worker) Status() Status {
	w.mu.RLock()
	status := Status{
		Phase:      w.phase,
		Generation: string(w.assets.Current()),
		Waiting:    w.phase == PhaseWaiting,
	}
	if !w.activatedAt.IsZero() {
		at := w.activatedAt
		status.ActivatedAt = &at
	}
	if w.installErr != nil {
		status.InstallError = w.installErr.Error()
	}
	for _, gen := range w.deleted {
		status.DeletedGenerations = append(status.DeletedGenerations, string(gen))
	}
	w.mu.RUnlock()

	if w.sync != nil {
		status.Queues = w.sync.Depths()
	}
	status.Handlers = w.table.snapshot(allKinds())
	return status
}
