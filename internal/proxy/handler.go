package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
)

// Gate 表示 worker 的激活闸门。Ready 在安装/激活进行中阻塞；
// 返回 false 表示新代际仍在等待 SKIP_WAITING，此时只走网络。
type Gate interface {
	Ready(ctx context.Context) (bool, error)
}

// Handler 把 Fiber 请求转换为上游 http.Request，交给 Interceptor 执行，再把结果流式写回。
type Handler struct {
	interceptor *Interceptor
	gate        Gate
	origin      *url.URL
	logger      *logrus.Logger
}

// NewHandler 构造代理 handler；gate 为空时视为始终已激活。
func NewHandler(interceptor *Interceptor, gate Gate, origin string, logger *logrus.Logger) (*Handler, error) {
	if interceptor == nil {
		return nil, errors.New("interceptor required")
	}
	base, err := url.Parse(strings.TrimRight(origin, "/") + "/")
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", origin)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{interceptor: interceptor, gate: gate, origin: base, logger: logger}, nil
}

// Handle 实现 server.ProxyHandler。处理过程中的 panic 被转换为 500 JSON 响应。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, r, requestID)
		}
	}()
	return h.serve(c, requestID)
}

func (h *Handler) serve(c fiber.Ctx, requestID string) error {
	started := time.Now()
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildUpstreamRequest(ctx, c)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request", requestID)
	}

	ready := true
	if h.gate != nil {
		ready, err = h.gate.Ready(ctx)
		if err != nil {
			h.logResult(req, requestID, 0, "", started, err)
			return h.writeError(c, fiber.StatusServiceUnavailable, "worker_unavailable", requestID)
		}
	}

	var resp *http.Response
	if ready {
		resp, err = h.interceptor.RoundTrip(req)
	} else {
		resp, err = h.interceptor.Bypass(req)
	}
	if err != nil {
		h.logResult(req, requestID, 0, "", started, err)
		if errors.Is(err, ErrCacheMiss) {
			return h.writeError(c, fiber.StatusServiceUnavailable, "offline_no_cache", requestID)
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed", requestID)
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	source := resp.Header.Get(CacheHeader)
	if req.Method == http.MethodHead {
		h.logResult(req, requestID, resp.StatusCode, source, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req, requestID, resp.StatusCode, source, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	upstream := h.resolveUpstreamURL(c)

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	// 缓存保存原始字节，要求上游返回未压缩正文。
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = upstream.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	if requestID := server.RequestID(c); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	return req, nil
}

func (h *Handler) resolveUpstreamURL(c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := path.Clean("/" + string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return h.origin.ResolveReference(relative)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code, requestID string) error {
	setRequestIDHeader(c, requestID)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) respondPanic(c fiber.Ctx, recovered any, requestID string) error {
	h.logger.WithFields(logrus.Fields{
		"action":     "proxy",
		"request_id": requestID,
		"error":      "proxy_handler_panic",
	}).Error(fmt.Sprintf("panic: %v", recovered))
	return h.writeError(c, fiber.StatusInternalServerError, "proxy_handler_panic", requestID)
}

func (h *Handler) logResult(req *http.Request, requestID string, status int, source string, started time.Time, err error) {
	if source == "" && err == nil {
		source = SourceNetwork
	}
	fields := logging.RequestFields(req.Method, req.URL.String(), source, source == SourceFallback || source == SourceDefaultDocument)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
