package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// CacheHeader 标记由缓存兜底返回的响应。
const CacheHeader = "X-Offline-Hub-Cache"

const (
	SourceNetwork         = "network"
	SourceFallback        = "fallback"
	SourceDefaultDocument = "default-document"
)

// defaultFetchTimeout 在未配置 Timeout 时限制单次上游请求（含后台读完正文）的时长。
const defaultFetchTimeout = 30 * time.Second

var (
	// ErrNetworkUnavailable 包装网络阶段的失败（超时、DNS、连接拒绝）。
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrCacheMiss 表示网络失败后缓存与默认文档都没有命中。
	ErrCacheMiss = errors.New("no cached response")
)

// AssetStore 是拦截器依赖的缓存操作，*cache.AssetCache 满足该接口。
type AssetStore interface {
	Lookup(ctx context.Context, key cache.RequestKey) (*cache.Entry, error)
	Put(ctx context.Context, key cache.RequestKey, resp cache.Response)
	KeyForPath(p string) (cache.RequestKey, error)
	Origin() string
}

// InterceptorOptions 配置网络优先拦截器。Passthrough 为空时复用 Network。
type InterceptorOptions struct {
	Network         http.RoundTripper
	Passthrough     http.RoundTripper
	Assets          AssetStore
	DefaultDocument string
	Timeout         time.Duration
	Logger          *logrus.Logger
}

// Interceptor 实现网络优先、缓存兜底的 http.RoundTripper。成功的同源 200 响应由后台
// goroutine 写入缓存，不阻塞响应返回；拿到响应头之后调用方取消或提前 Close 都不影响写入。
type Interceptor struct {
	network     http.RoundTripper
	passthrough http.RoundTripper
	assets      AssetStore
	defaultDoc  string
	timeout     time.Duration
	logger      *logrus.Logger

	writes sync.WaitGroup
}

// NewInterceptor 构造拦截器。
func NewInterceptor(opts InterceptorOptions) (*Interceptor, error) {
	if opts.Assets == nil {
		return nil, errors.New("asset cache required")
	}
	network := opts.Network
	if network == nil {
		network = http.DefaultTransport
	}
	passthrough := opts.Passthrough
	if passthrough == nil {
		passthrough = network
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Interceptor{
		network:     network,
		passthrough: passthrough,
		assets:      opts.Assets,
		defaultDoc:  opts.DefaultDocument,
		timeout:     opts.Timeout,
		logger:      logger,
	}, nil
}

// RoundTrip 执行网络优先策略：
// 非 http(s) 请求直接透传；网络成功时原样返回；网络失败时依次尝试精确 key 与默认文档。
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !isNetworkScheme(req.URL) {
		return i.passthrough.RoundTrip(req)
	}

	resp, detach, err := i.fetch(req)
	if err == nil {
		if i.cacheable(req, resp) {
			detach()
			i.teeIntoCache(req, resp)
		}
		markNetwork(resp)
		return resp, nil
	}

	netErr := fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	if req.Method != http.MethodGet {
		return nil, netErr
	}
	return i.fallback(req, netErr)
}

// Bypass 只走网络，不写缓存也不兜底；worker 尚未激活时使用。
func (i *Interceptor) Bypass(req *http.Request) (*http.Response, error) {
	if !isNetworkScheme(req.URL) {
		return i.passthrough.RoundTrip(req)
	}
	resp, _, err := i.fetch(req)
	if err != nil {
		return nil, err
	}
	markNetwork(resp)
	return resp, nil
}

// Wait 阻塞直到所有后台缓存写入完成。
func (i *Interceptor) Wait() {
	i.writes.Wait()
}

// fetch 在脱离调用方取消的上下文中请求上游，并用 AfterFunc 把调用方的取消转发过来。
// 调用 detach 之后调用方取消不再中断正文读取，只剩超时约束。
func (i *Interceptor) fetch(req *http.Request) (*http.Response, func(), error) {
	timeout := i.timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	parent := req.Context()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	stop := context.AfterFunc(parent, cancel)

	resp, err := i.network.RoundTrip(req.WithContext(ctx))
	if err != nil {
		stop()
		cancel()
		return nil, nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() {
		stop()
		cancel()
	}}
	return resp, func() { stop() }, nil
}

// background 启动一个计入 Wait 的后台任务。
func (i *Interceptor) background(fn func()) {
	i.writes.Add(1)
	go func() {
		defer i.writes.Done()
		fn()
	}()
}

// cacheable 仅接受 GET + 200 + 与源站同源的响应。
func (i *Interceptor) cacheable(req *http.Request, resp *http.Response) bool {
	if req.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return false
	}
	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	origin := i.assets.Origin()
	if origin == "" {
		return sameOrigin(final, req.URL)
	}
	base, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return sameOrigin(final, base)
}

func (i *Interceptor) teeIntoCache(req *http.Request, resp *http.Response) {
	key := cache.KeyForRequest(req)
	status := resp.StatusCode
	header := resp.Header.Clone()
	ctx := context.WithoutCancel(req.Context())

	resp.Body = &teeBody{
		body:  resp.Body,
		drain: i.background,
		onComplete: func(body []byte) {
			i.background(func() {
				i.assets.Put(ctx, key, cache.Response{Status: status, Header: header, Body: body})
			})
		},
		onDrop: func(err error) {
			i.logger.WithError(err).WithFields(logging.RequestFields(req.Method, req.URL.String(), SourceNetwork, false)).
				Warn("cache_body_incomplete")
		},
	}
}

func (i *Interceptor) fallback(req *http.Request, netErr error) (*http.Response, error) {
	ctx := context.WithoutCancel(req.Context())
	key := cache.KeyForRequest(req)

	entry, err := i.assets.Lookup(ctx, key)
	if err == nil {
		i.logFallback(req, SourceFallback, netErr)
		return entryResponse(req, entry, SourceFallback), nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		i.logger.WithError(err).WithFields(logging.RequestFields(req.Method, req.URL.String(), SourceFallback, false)).
			Warn("cache_lookup_failed")
	}

	if i.defaultDoc != "" {
		docKey, keyErr := i.assets.KeyForPath(i.defaultDoc)
		if keyErr == nil && docKey != key {
			if entry, err := i.assets.Lookup(ctx, docKey); err == nil {
				i.logFallback(req, SourceDefaultDocument, netErr)
				return entryResponse(req, entry, SourceDefaultDocument), nil
			}
		}
	}

	i.logger.WithFields(logging.RequestFields(req.Method, req.URL.String(), "", false)).
		WithError(netErr).Warn("cache_fallback_exhausted")
	return nil, fmt.Errorf("%w: %w", ErrCacheMiss, netErr)
}

func (i *Interceptor) logFallback(req *http.Request, source string, netErr error) {
	i.logger.WithFields(logging.RequestFields(req.Method, req.URL.String(), source, true)).
		WithError(netErr).Info("served_from_cache")
}

func entryResponse(req *http.Request, entry *cache.Entry, source string) *http.Response {
	header := entry.Response.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(CacheHeader, source)
	body := entry.Response.Body
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.Response.Status, http.StatusText(entry.Response.Status)),
		StatusCode:    entry.Response.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func markNetwork(resp *http.Response) {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(CacheHeader, SourceNetwork)
}

func isNetworkScheme(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func sameOrigin(a, b *url.URL) bool {
	ka, errA := cache.NewRequestKey(http.MethodGet, a.Scheme+"://"+a.Host+"/")
	kb, errB := cache.NewRequestKey(http.MethodGet, b.Scheme+"://"+b.Host+"/")
	return errA == nil && errB == nil && ka == kb
}

var errBodyClosed = errors.New("proxy: read on closed response body")

// teeBody 在读取时复制正文，读到 EOF 后回调 onComplete。调用方提前 Close 时由 drain
// 启动的后台任务读完剩余正文再回调；任何读错误都丢弃副本，不会写入残缺条目。
type teeBody struct {
	body       io.ReadCloser
	drain      func(func())
	onComplete func([]byte)
	onDrop     func(error)

	mu       sync.Mutex
	buf      bytes.Buffer
	finished bool
	closed   bool
}

func (t *teeBody) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errBodyClosed
	}
	n, err := t.body.Read(p)
	if n > 0 && !t.finished {
		t.buf.Write(p[:n])
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		t.finish(nil)
	default:
		t.finish(err)
	}
	return n, err
}

func (t *teeBody) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.finished {
		return t.body.Close()
	}
	// closed 置位后 Read 不再触碰 buf，后台任务独占剩余状态。
	t.drain(func() {
		_, err := t.buf.ReadFrom(t.body)
		t.finish(err)
		_ = t.body.Close()
	})
	return nil
}

func (t *teeBody) finish(err error) {
	if t.finished {
		return
	}
	t.finished = true
	if err != nil {
		t.onDrop(err)
	} else {
		t.onComplete(append([]byte(nil), t.buf.Bytes()...))
	}
	t.buf = bytes.Buffer{}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
