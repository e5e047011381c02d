package syncqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRegistryRoutesByTag(t *testing.T) {
	exec := &recordingExecutor{failIDs: map[string]bool{"p1": true}}
	reg, err := OpenRegistry(RegistryOptions{
		Dir:      t.TempDir(),
		Tags:     []string{"sync-data", "sync-prefs"},
		Executor: exec,
	})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	data, _ := reg.Queue("sync-data")
	prefs, _ := reg.Queue("sync-prefs")
	enqueueAll(t, data, "d1")
	enqueueAll(t, prefs, "p1")

	report, err := reg.Drain(context.Background(), "sync-data")
	if err != nil || report.Succeeded != 1 {
		t.Fatalf("unexpected drain result: %+v / %v", report, err)
	}
	depths := reg.Depths()
	if depths["sync-data"] != 0 || depths["sync-prefs"] != 1 {
		t.Fatalf("drain should only touch its own queue: %v", depths)
	}

	if _, err := reg.Drain(context.Background(), "sync-missing"); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
	if tags := reg.Tags(); len(tags) != 2 || tags[0] != "sync-data" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func TestRegistryRejectsUnsafeTag(t *testing.T) {
	_, err := OpenRegistry(RegistryOptions{Dir: t.TempDir(), Tags: []string{"../escape"}, Executor: &recordingExecutor{}})
	if err == nil {
		t.Fatalf("path-like tag should be rejected")
	}
}

func TestRedisLockerReportsConnectionError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	defer client.Close()

	locker := NewRedisLocker(client, "offline-hub:drain:", time.Second)
	release, ok, err := locker.TryAcquire(context.Background(), "sync-data")
	if err == nil || ok || release != nil {
		t.Fatalf("unreachable redis should fail to lock: ok=%v err=%v", ok, err)
	}
}
