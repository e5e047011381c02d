package localcache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T, opts Options) (*Store, *fakeClock) {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	store, err := Open(opts)
	if err != nil {
		t.Fatalf("open local cache: %v", err)
	}
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.now = clock.Now
	return store, clock
}

func TestSetGetWithinTTL(t *testing.T) {
	store, clock := newTestStore(t, Options{TTL: time.Hour})

	if err := store.Set("sheet:РЕБ", map[string]int{"rows": 12}); err != nil {
		t.Fatalf("set error: %v", err)
	}

	clock.now = clock.now.Add(time.Hour)
	var got map[string]int
	ok, err := store.Get("sheet:РЕБ", &got)
	if err != nil || !ok {
		t.Fatalf("entry exactly at TTL should be present: ok=%v err=%v", ok, err)
	}
	if got["rows"] != 12 {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestGetExpiredRemovesEntry(t *testing.T) {
	store, clock := newTestStore(t, Options{TTL: time.Hour})

	if err := store.Set("stale", "value"); err != nil {
		t.Fatalf("set error: %v", err)
	}
	clock.now = clock.now.Add(time.Hour + time.Millisecond)

	var got string
	ok, err := store.Get("stale", &got)
	if err != nil || ok {
		t.Fatalf("expired entry must be absent: ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(store.dir, store.fileName("stale"))); !os.IsNotExist(err) {
		t.Fatalf("expired entry should be physically removed, stat err=%v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expired entry should leave the recency list")
	}
}

func TestSetOverwritesAndResetsTimestamp(t *testing.T) {
	store, clock := newTestStore(t, Options{TTL: time.Hour})

	_ = store.Set("k", "old")
	clock.now = clock.now.Add(50 * time.Minute)
	_ = store.Set("k", "new")
	clock.now = clock.now.Add(50 * time.Minute)

	var got string
	ok, err := store.Get("k", &got)
	if err != nil || !ok || got != "new" {
		t.Fatalf("expected overwritten value, got %q ok=%v err=%v", got, ok, err)
	}
}

func TestGetIncrementsAccessCount(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	_ = store.Set("k", 1)
	for i := 0; i < 3; i++ {
		if ok, _ := store.Get("k", nil); !ok {
			t.Fatalf("expected hit")
		}
	}
	raw, err := os.ReadFile(filepath.Join(store.dir, store.fileName("k")))
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if want := `"accessCount":3`; !strings.Contains(string(raw), want) {
		t.Fatalf("expected %s in %s", want, raw)
	}
}

func TestRemoveAndMissing(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	_ = store.Set("k", 1)
	if err := store.Remove("k"); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if err := store.Remove("k"); err != nil {
		t.Fatalf("removing twice should succeed: %v", err)
	}
	if ok, err := store.Get("k", nil); ok || err != nil {
		t.Fatalf("removed key should be absent: ok=%v err=%v", ok, err)
	}
}

func TestClearAllKeepsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	foreign := filepath.Join(dir, "bookmarks.json")
	if err := os.WriteFile(foreign, []byte(`["РЕБ"]`), 0o644); err != nil {
		t.Fatalf("write foreign file: %v", err)
	}
	store, _ := newTestStore(t, Options{Dir: dir})
	_ = store.Set("a", 1)
	_ = store.Set("b", 2)

	if err := store.ClearAll(); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("namespace should be empty, got %d", store.Len())
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Fatalf("foreign data must survive ClearAll: %v", err)
	}
}

func TestMaxEntriesEvictsLeastRecentlyUsed(t *testing.T) {
	store, clock := newTestStore(t, Options{MaxEntries: 2})

	_ = store.Set("a", 1)
	clock.now = clock.now.Add(time.Second)
	_ = store.Set("b", 2)
	// 读取 a 使其成为最近使用。
	if ok, _ := store.Get("a", nil); !ok {
		t.Fatalf("expected hit for a")
	}
	_ = store.Set("c", 3)

	if ok, _ := store.Get("b", nil); ok {
		t.Fatalf("b should have been evicted")
	}
	for _, key := range []string{"a", "c"} {
		if ok, _ := store.Get(key, nil); !ok {
			t.Fatalf("%s should survive eviction", key)
		}
	}
}

func TestOpenRestoresRecencyFromDisk(t *testing.T) {
	dir := t.TempDir()
	first, _ := newTestStore(t, Options{Dir: dir, MaxEntries: 2})
	_ = first.Set("a", 1)
	_ = first.Set("b", 2)

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, first.fileName("a")), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	reopened, err := Open(Options{Dir: dir, MaxEntries: 2})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("expected 2 tracked entries, got %d", reopened.Len())
	}
	_ = reopened.Set("c", 3)
	if _, err := os.Stat(filepath.Join(dir, reopened.fileName("a"))); !os.IsNotExist(err) {
		t.Fatalf("oldest file should be evicted after reopen")
	}
}

func TestOpenTrimsEntriesBeyondCapacity(t *testing.T) {
	dir := t.TempDir()
	first, _ := newTestStore(t, Options{Dir: dir, MaxEntries: 3})
	for i, key := range []string{"a", "b", "c"} {
		_ = first.Set(key, i)
	}
	base := time.Now().Add(-time.Hour)
	for i, key := range []string{"a", "b", "c"} {
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(filepath.Join(dir, first.fileName(key)), mod, mod); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	reopened, err := Open(Options{Dir: dir, MaxEntries: 2})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("expected 2 tracked entries, got %d", reopened.Len())
	}
	if _, err := os.Stat(filepath.Join(dir, reopened.fileName("a"))); !os.IsNotExist(err) {
		t.Fatalf("oldest file should be dropped when capacity shrinks")
	}
	if err := reopened.Remove("b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, reopened.fileName("b"))); !os.IsNotExist(err) {
		t.Fatalf("removed entry file should be deleted")
	}
	if reopened.Len() != 1 {
		t.Fatalf("expected 1 tracked entry after remove, got %d", reopened.Len())
	}
}
