package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/control"
	"github.com/any-hub/offline-hub/internal/localcache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/syncqueue"
	"github.com/any-hub/offline-hub/internal/worker"
)

type stubWorker struct {
	registry *syncqueue.Registry
	pushes   [][]byte
}

func (w *stubWorker) Status() worker.Status {
	return worker.Status{Phase: worker.PhaseActivated, Generation: "v1", Queues: w.registry.Depths()}
}

func (w *stubWorker) Sync(ctx context.Context, tag string) (syncqueue.DrainReport, error) {
	return w.registry.Drain(ctx, tag)
}

func (w *stubWorker) Push(ctx context.Context, payload []byte) (worker.Notification, error) {
	w.pushes = append(w.pushes, payload)
	return worker.BuildNotification(payload, time.UnixMilli(0)), nil
}

type emptyCache struct{}

func (emptyCache) Clear(ctx context.Context) error                      { return nil }
func (emptyCache) Keys(ctx context.Context) ([]cache.RequestKey, error) { return nil, nil }
func (emptyCache) Origin() string                                       { return "https://dashboard.example.com" }

type silentDispatcher struct{}

func (silentDispatcher) Dispatch(ctx context.Context, req control.Request) {}

type testEnv struct {
	app      *fiber.App
	worker   *stubWorker
	replayed []string
}

func newTestEnv(t *testing.T, dispatcher control.Dispatcher) *testEnv {
	t.Helper()
	env := &testEnv{}
	registry, err := syncqueue.OpenRegistry(syncqueue.RegistryOptions{
		Dir:  t.TempDir(),
		Tags: []string{"sync-data"},
		Executor: syncqueue.ExecutorFunc(func(ctx context.Context, tag string, action syncqueue.Action) error {
			env.replayed = append(env.replayed, action.ID)
			return nil
		}),
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	local, err := localcache.Open(localcache.Options{Dir: t.TempDir(), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("open local cache: %v", err)
	}
	if dispatcher == nil {
		dispatcher = control.NewChannel(emptyCache{}, nil, logging.Discard())
	}
	env.worker = &stubWorker{registry: registry}

	env.app = fiber.New()
	Register(env.app, Deps{
		Worker:  env.worker,
		Control: control.NewClient(dispatcher, 100*time.Millisecond),
		Queues:  registry,
		Local:   local,
		Version: "test",
		Logger:  logging.Discard(),
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://localhost"+target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, target, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(raw)
}

func TestStatusRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	status, body := env.do(t, http.MethodGet, "/-/status", "")
	if status != fiber.StatusOK {
		t.Fatalf("unexpected status %d: %s", status, body)
	}
	var payload struct {
		Version string        `json:"version"`
		Worker  worker.Status `json:"worker"`
		Local   int           `json:"local_entries"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.Version != "test" || payload.Worker.Phase != worker.PhaseActivated {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if _, ok := payload.Worker.Queues["sync-data"]; !ok {
		t.Fatalf("queue depth missing: %s", body)
	}
}

func TestControlRoute(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/-/control", `{"type":"GET_CACHE_SIZE"}`)
	if status != fiber.StatusOK || body != `{"keys":[],"size":0}` {
		t.Fatalf("unexpected size reply %d %s", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/-/control", `{"type":"CLEAR_CACHE"}`)
	if status != fiber.StatusOK || body != `{"success":true}` {
		t.Fatalf("unexpected clear reply %d %s", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/-/control", `{"type":"NOPE"}`)
	if status != fiber.StatusOK || !strings.Contains(body, control.ErrorUnknownVerb) {
		t.Fatalf("unknown verb should still reply: %d %s", status, body)
	}
	status, _ = env.do(t, http.MethodPost, "/-/control", `{"type":"SKIP_WAITING","no_reply":true}`)
	if status != fiber.StatusAccepted {
		t.Fatalf("expected 202 for no_reply, got %d", status)
	}
	if status, _ = env.do(t, http.MethodPost, "/-/control", `not json`); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", status)
	}
	if status, _ = env.do(t, http.MethodPost, "/-/control", `{}`); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for missing type, got %d", status)
	}
}

func TestControlRouteTimeout(t *testing.T) {
	env := newTestEnv(t, silentDispatcher{})
	status, body := env.do(t, http.MethodPost, "/-/control", `{"type":"GET_CACHE_SIZE"}`)
	if status != fiber.StatusGatewayTimeout || !strings.Contains(body, "control_timeout") {
		t.Fatalf("expected 504 when no reply arrives, got %d %s", status, body)
	}
}

func TestSyncRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/-/sync/sync-data/actions", `{"id":"a1","payload":{"n":1}}`)
	if status != fiber.StatusCreated {
		t.Fatalf("enqueue failed: %d %s", status, body)
	}
	if status, _ = env.do(t, http.MethodPost, "/-/sync/sync-data/actions", `{"id":"a1","payload":{"n":1}}`); status != fiber.StatusConflict {
		t.Fatalf("duplicate id should return 409, got %d", status)
	}
	if status, _ = env.do(t, http.MethodPost, "/-/sync/sync-data/actions", `{"id":"a2"}`); status != fiber.StatusBadRequest {
		t.Fatalf("missing payload should return 400, got %d", status)
	}
	env.do(t, http.MethodPost, "/-/sync/sync-data/actions", `{"id":"a2","payload":{"n":2}}`)

	status, body = env.do(t, http.MethodGet, "/-/sync/sync-data/actions", "")
	if status != fiber.StatusOK || !strings.Contains(body, `"a1"`) || !strings.Contains(body, `"a2"`) {
		t.Fatalf("list actions: %d %s", status, body)
	}

	status, body = env.do(t, http.MethodPost, "/-/sync/sync-data", "")
	if status != fiber.StatusOK {
		t.Fatalf("drain failed: %d %s", status, body)
	}
	var report syncqueue.DrainReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Succeeded != 2 || report.Remaining != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(env.replayed) != 2 || env.replayed[0] != "a1" || env.replayed[1] != "a2" {
		t.Fatalf("actions replayed out of order: %v", env.replayed)
	}

	if status, _ = env.do(t, http.MethodPost, "/-/sync/unknown", ""); status != fiber.StatusNotFound {
		t.Fatalf("unknown tag drain should 404, got %d", status)
	}
	if status, _ = env.do(t, http.MethodGet, "/-/sync/unknown/actions", ""); status != fiber.StatusNotFound {
		t.Fatalf("unknown tag list should 404, got %d", status)
	}
}

func TestDiscardActionRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/-/sync/sync-data/actions", `{"id":"a1","payload":1}`)

	if status, _ := env.do(t, http.MethodDelete, "/-/sync/sync-data/actions/a1", ""); status != fiber.StatusNoContent {
		t.Fatalf("discard should return 204, got %d", status)
	}
	if status, _ := env.do(t, http.MethodDelete, "/-/sync/sync-data/actions/a1", ""); status != fiber.StatusNotFound {
		t.Fatalf("second discard should return 404, got %d", status)
	}
}

func TestPushRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	status, body := env.do(t, http.MethodPost, "/-/push", "")
	if status != fiber.StatusOK || !strings.Contains(body, worker.DefaultNotificationBody) {
		t.Fatalf("unexpected push response %d %s", status, body)
	}
	if len(env.worker.pushes) != 1 {
		t.Fatalf("push not forwarded to worker")
	}
}

func TestLocalCacheRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	if status, _ := env.do(t, http.MethodGet, "/-/local/charts", ""); status != fiber.StatusNotFound {
		t.Fatalf("missing key should 404, got %d", status)
	}
	if status, _ := env.do(t, http.MethodPut, "/-/local/charts", `{"series":[1,2,3]}`); status != fiber.StatusNoContent {
		t.Fatalf("put should return 204, got %d", status)
	}
	if status, _ := env.do(t, http.MethodPut, "/-/local/charts", `{broken`); status != fiber.StatusBadRequest {
		t.Fatalf("invalid json should return 400, got %d", status)
	}
	status, body := env.do(t, http.MethodGet, "/-/local/charts", "")
	if status != fiber.StatusOK || body != `{"series":[1,2,3]}` {
		t.Fatalf("unexpected local value %d %s", status, body)
	}

	env.do(t, http.MethodDelete, "/-/local/charts", "")
	if status, _ := env.do(t, http.MethodGet, "/-/local/charts", ""); status != fiber.StatusNotFound {
		t.Fatalf("removed key should 404, got %d", status)
	}

	env.do(t, http.MethodPut, "/-/local/a", `1`)
	env.do(t, http.MethodPut, "/-/local/b", `2`)
	if status, _ := env.do(t, http.MethodDelete, "/-/local", ""); status != fiber.StatusNoContent {
		t.Fatalf("clear should return 204, got %d", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/-/local/a", ""); status != fiber.StatusNotFound {
		t.Fatalf("cleared key should 404, got %d", status)
	}
}
