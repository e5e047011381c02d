package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/logging"
)

// installConcurrency 限制安装阶段同时在途的清单请求数量。
const installConcurrency = 4

// BootstrapPartialFailure 表示安装清单中至少一个资源未能缓存。已成功写入的条目保留，
// 下次启动重新安装时补齐。
type BootstrapPartialFailure struct {
	Generation Generation
	Failed     []string
	Cause      error
}

func (e *BootstrapPartialFailure) Error() string {
	return fmt.Sprintf("bootstrap %s: %d asset(s) failed [%s]: %v",
		e.Generation, len(e.Failed), strings.Join(e.Failed, ", "), e.Cause)
}

func (e *BootstrapPartialFailure) Unwrap() error {
	return e.Cause
}

// AssetOptions 控制 AssetCache 的源站、当前代际与日志。
type AssetOptions struct {
	Generation Generation
	Origin     string
	Client     *http.Client
	Logger     *logrus.Logger
}

// AssetCache 是面向 worker 的版本化资源缓存。代际级操作（Activate/Clear）与条目写入互斥，
// 保证删除过程中不会有新条目写进即将消失的代际。
type AssetCache struct {
	backend Backend
	current Generation
	origin  string
	client  *http.Client
	logger  *logrus.Entry

	mu      sync.RWMutex
	seqMu   sync.Mutex
	lastSeq int64
	now     func() time.Time
}

// NewAssetCache 基于 Backend 构造资源缓存；Client 为空时使用 http.DefaultClient。
func NewAssetCache(backend Backend, opts AssetOptions) (*AssetCache, error) {
	if backend == nil {
		return nil, errors.New("cache backend required")
	}
	if err := validateGeneration(opts.Generation); err != nil {
		return nil, err
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := logging.Component(opts.Logger, "cache")
	return &AssetCache{
		backend: backend,
		current: opts.Generation,
		origin:  strings.TrimRight(opts.Origin, "/"),
		client:  client,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Current 返回当前代际。
func (c *AssetCache) Current() Generation {
	return c.current
}

// Origin 返回安装清单与默认文档所解析的源站。
func (c *AssetCache) Origin() string {
	return c.origin
}

// KeyForPath 将 /path 解析为源站上的 GET 请求 key。
func (c *AssetCache) KeyForPath(p string) (RequestKey, error) {
	if c.origin == "" {
		return RequestKey{}, errors.New("origin not configured")
	}
	return NewRequestKey(http.MethodGet, c.origin+p)
}

// Initialize 打开（必要时创建）代际并预热 manifest 中的全部资源。任一资源失败即取消剩余请求，
// 返回 *BootstrapPartialFailure；已写入的条目不会回滚。
func (c *AssetCache) Initialize(ctx context.Context, gen Generation, manifest []string) error {
	if err := validateGeneration(gen); err != nil {
		return err
	}

	if err := c.backend.Open(ctx, gen); err != nil {
		return fmt.Errorf("open generation %s: %w", gen, err)
	}

	var (
		failedMu sync.Mutex
		failed   []string
	)
	markFailed := func(p string) {
		failedMu.Lock()
		failed = append(failed, p)
		failedMu.Unlock()
	}

	// 序号在并发请求前按清单顺序分配，条目枚举顺序与清单一致。
	seqs := make([]int64, len(manifest))
	for i := range manifest {
		seqs[i] = c.nextSeq()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(installConcurrency)
	for i, assetPath := range manifest {
		assetPath, seq := assetPath, seqs[i]
		group.Go(func() error {
			if err := c.installOne(groupCtx, gen, assetPath, seq); err != nil {
				markFailed(assetPath)
				return fmt.Errorf("%s: %w", assetPath, err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		sort.Strings(failed)
		return &BootstrapPartialFailure{Generation: gen, Failed: failed, Cause: err}
	}
	return nil
}

func (c *AssetCache) installOne(ctx context.Context, gen Generation, assetPath string, seq int64) error {
	key, err := c.KeyForPath(assetPath)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, key.Method, key.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return c.store(ctx, gen, key, Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, seq)
}

// Activate 删除除 gen 以外的全部代际，返回被删除的代际名称。重复调用是幂等的。
func (c *AssetCache) Activate(ctx context.Context, gen Generation) ([]Generation, error) {
	if err := validateGeneration(gen); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.backend.Generations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	var deleted []Generation
	var errs []error
	for _, name := range existing {
		if name == gen {
			continue
		}
		if err := c.backend.DeleteGeneration(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"action":     "activate",
			"generation": string(name),
		}).Info("stale_generation_deleted")
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

// Put 将响应写入当前代际。失败只记录日志，调用方无需处理（尽力而为的缓存预热）。
func (c *AssetCache) Put(ctx context.Context, key RequestKey, resp Response) {
	if err := c.store(ctx, c.current, key, resp, c.nextSeq()); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "cache_put",
			"generation": string(c.current),
			"key":        key.String(),
		}).Warn("cache_put_failed")
	}
}

func (c *AssetCache) store(ctx context.Context, gen Generation, key RequestKey, resp Response, seq int64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	return c.backend.Put(ctx, gen, Entry{
		Key:      key,
		Response: resp,
		StoredAt: c.now().UTC(),
		Seq:      seq,
	})
}

// nextSeq 基于纳秒时钟生成单调递增序号，跨重启仍保持写入先后顺序。
func (c *AssetCache) nextSeq() int64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	seq := c.now().UnixNano()
	if seq <= c.lastSeq {
		seq = c.lastSeq + 1
	}
	c.lastSeq = seq
	return seq
}

// Lookup 在当前代际中查找条目，不存在时返回 ErrNotFound。
func (c *AssetCache) Lookup(ctx context.Context, key RequestKey) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend.Get(ctx, c.current, key)
}

// Clear 删除整个当前代际；空缓存同样视为成功。
func (c *AssetCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend.DeleteGeneration(ctx, c.current)
}

// Keys 按写入顺序返回当前代际中的全部请求 key。
func (c *AssetCache) Keys(ctx context.Context) ([]RequestKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend.List(ctx, c.current)
}

// Generations 列出存储中现存的全部代际，按名称排序，供诊断端输出。
func (c *AssetCache) Generations(ctx context.Context) ([]Generation, error) {
	gens, err := c.backend.Generations(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}
