package cache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitializeCachesManifestInOrder(t *testing.T) {
	origin := newAssetOrigin(t)
	assets := newTestAssetCache(t, newTestStore(t), "dashboard-v1", origin.URL)

	if err := assets.Initialize(context.Background(), "dashboard-v1", []string{"/", "/app.js"}); err != nil {
		t.Fatalf("initialize error: %v", err)
	}

	keys, err := assets.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0].Relative(assets.Origin()) != "/" || keys[1].Relative(assets.Origin()) != "/app.js" {
		t.Fatalf("unexpected key order: %v", keys)
	}

	key, _ := assets.KeyForPath("/app.js")
	entry, err := assets.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if string(entry.Response.Body) != "console.log('app')" {
		t.Fatalf("unexpected body: %q", entry.Response.Body)
	}
}

func TestInitializePartialFailureKeepsExistingEntries(t *testing.T) {
	origin := newAssetOrigin(t)
	assets := newTestAssetCache(t, newTestStore(t), "dashboard-v1", origin.URL)
	ctx := context.Background()

	if err := assets.Initialize(ctx, "dashboard-v1", []string{"/"}); err != nil {
		t.Fatalf("initialize error: %v", err)
	}

	err := assets.Initialize(ctx, "dashboard-v1", []string{"/broken"})
	var partial *BootstrapPartialFailure
	if !errors.As(err, &partial) {
		t.Fatalf("expected BootstrapPartialFailure, got %v", err)
	}
	if len(partial.Failed) != 1 || partial.Failed[0] != "/broken" {
		t.Fatalf("unexpected failed list: %v", partial.Failed)
	}

	key, _ := assets.KeyForPath("/")
	if _, err := assets.Lookup(ctx, key); err != nil {
		t.Fatalf("previous entry should survive partial failure: %v", err)
	}
	broken, _ := assets.KeyForPath("/broken")
	if _, err := assets.Lookup(ctx, broken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed asset must not be cached, got %v", err)
	}
}

func TestActivateRemovesStaleGenerations(t *testing.T) {
	origin := newAssetOrigin(t)
	store := newTestStore(t)
	ctx := context.Background()

	v1 := newTestAssetCache(t, store, "dashboard-v1", origin.URL)
	if err := v1.Initialize(ctx, "dashboard-v1", []string{"/"}); err != nil {
		t.Fatalf("initialize v1 error: %v", err)
	}
	v2 := newTestAssetCache(t, store, "dashboard-v2", origin.URL)
	if err := v2.Initialize(ctx, "dashboard-v2", []string{"/", "/app.js"}); err != nil {
		t.Fatalf("initialize v2 error: %v", err)
	}

	deleted, err := v2.Activate(ctx, "dashboard-v2")
	if err != nil {
		t.Fatalf("activate error: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "dashboard-v1" {
		t.Fatalf("expected dashboard-v1 deleted, got %v", deleted)
	}

	deleted, err = v2.Activate(ctx, "dashboard-v2")
	if err != nil || len(deleted) != 0 {
		t.Fatalf("second activate should be a no-op, got %v / %v", deleted, err)
	}

	gens, err := v2.Generations(ctx)
	if err != nil || len(gens) != 1 || gens[0] != "dashboard-v2" {
		t.Fatalf("unexpected generations: %v / %v", gens, err)
	}
}

func TestPutThenLookup(t *testing.T) {
	assets := newTestAssetCache(t, newTestStore(t), "dashboard-v1", "https://dashboard.example.com")
	key := mustKey(t, "https://dashboard.example.com/data")

	assets.Put(context.Background(), key, Response{Status: http.StatusOK, Body: []byte(`{"rows":3}`)})

	entry, err := assets.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if string(entry.Response.Body) != `{"rows":3}` {
		t.Fatalf("unexpected body: %q", entry.Response.Body)
	}
	if entry.Response.Header == nil {
		t.Fatalf("header should be non-nil after put")
	}
}

func TestClearEmptyAndPopulated(t *testing.T) {
	assets := newTestAssetCache(t, newTestStore(t), "dashboard-v1", "https://dashboard.example.com")
	ctx := context.Background()

	if err := assets.Clear(ctx); err != nil {
		t.Fatalf("clearing an empty cache should succeed: %v", err)
	}

	key := mustKey(t, "https://dashboard.example.com/")
	assets.Put(ctx, key, Response{Status: http.StatusOK})
	if err := assets.Clear(ctx); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	keys, err := assets.Keys(ctx)
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected empty cache, got %v / %v", keys, err)
	}

	// 清空后再次写入会重新建立代际。
	assets.Put(ctx, key, Response{Status: http.StatusOK})
	if _, err := assets.Lookup(ctx, key); err != nil {
		t.Fatalf("lookup after re-put failed: %v", err)
	}
}

func TestNewAssetCacheRejectsInvalidGeneration(t *testing.T) {
	if _, err := NewAssetCache(newTestStore(t), AssetOptions{Generation: "a/b"}); !errors.Is(err, ErrInvalidGeneration) {
		t.Fatalf("expected ErrInvalidGeneration, got %v", err)
	}
	if _, err := NewAssetCache(nil, AssetOptions{Generation: "dashboard-v1"}); err == nil {
		t.Fatalf("nil backend should be rejected")
	}
}

func newAssetOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = w.Write([]byte("console.log('app')"))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>dashboard</html>"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestAssetCache(t *testing.T, store Backend, gen Generation, origin string) *AssetCache {
	t.Helper()
	assets, err := NewAssetCache(store, AssetOptions{Generation: gen, Origin: origin})
	if err != nil {
		t.Fatalf("asset cache error: %v", err)
	}
	return assets
}
