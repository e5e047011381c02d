package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
)

func newDashboardOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>dashboard</html>")
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.WriteString(w, "console.log('v1')")
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"rows":3}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRuntimeServesAndFallsBackOffline(t *testing.T) {
	origin := newDashboardOrigin(t)
	dir := t.TempDir()
	configPath := writeConfigFile(t, fmt.Sprintf(`
StoragePath = "%s"
Origin = "%s"
Generation = "dashboard-v1"
Manifest = ["/", "/app.js"]
UpstreamTimeout = "2s"
`, filepath.ToSlash(filepath.Join(dir, "storage")), origin.URL))

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("构建运行时失败: %v", err)
	}
	defer rt.Close()
	rt.worker.Start(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := rt.worker.WaitActivated(waitCtx); err != nil {
		t.Fatalf("worker 未激活: %v", err)
	}

	get := func(path string) (*http.Response, string) {
		t.Helper()
		resp, err := rt.app.Test(httptest.NewRequest(http.MethodGet, "http://localhost"+path, nil))
		if err != nil {
			t.Fatalf("请求 %s 失败: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp, string(body)
	}

	sizeReq := httptest.NewRequest(http.MethodPost, "http://localhost/-/control", strings.NewReader(`{"type":"GET_CACHE_SIZE"}`))
	sizeReq.Header.Set("Content-Type", "application/json")
	sizeResp, err := rt.app.Test(sizeReq)
	if err != nil {
		t.Fatalf("控制请求失败: %v", err)
	}
	sizeBody, _ := io.ReadAll(sizeResp.Body)
	sizeResp.Body.Close()
	if sizeResp.StatusCode != http.StatusOK || string(sizeBody) != `{"keys":["/","/app.js"],"size":2}` {
		t.Fatalf("安装后缓存应按清单顺序包含两项: %d %s", sizeResp.StatusCode, sizeBody)
	}

	resp, body := get("/data")
	if resp.StatusCode != http.StatusOK || body != `{"rows":3}` {
		t.Fatalf("在线请求应直达源站: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(proxy.CacheHeader) != proxy.SourceNetwork {
		t.Fatalf("在线响应来源应为 network，得到 %q", resp.Header.Get(proxy.CacheHeader))
	}
	rt.interceptor.Wait()

	origin.Close()

	resp, body = get("/data")
	if resp.StatusCode != http.StatusOK || body != `{"rows":3}` {
		t.Fatalf("离线时应返回缓存: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(proxy.CacheHeader) != proxy.SourceFallback {
		t.Fatalf("离线响应来源应为 fallback，得到 %q", resp.Header.Get(proxy.CacheHeader))
	}

	resp, body = get("/app.js")
	if resp.StatusCode != http.StatusOK || body != "console.log('v1')" {
		t.Fatalf("预热资源应可离线访问: %d %s", resp.StatusCode, body)
	}

	resp, body = get("/never-seen")
	if resp.StatusCode != http.StatusOK || body != "<html>dashboard</html>" {
		t.Fatalf("未缓存路径应回退到默认文档: %d %s", resp.StatusCode, body)
	}

	resp, _ = get("/-/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("状态接口应可用，得到 %d", resp.StatusCode)
	}
}
