package cache

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"
)

// Generation 是缓存代际标识（例如 dashboard-v1），仅做精确字符串比较。
type Generation string

// Response 是一次完整响应的字节级快照。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Entry 表示某代际中的一个缓存条目。Seq 记录写入顺序，覆盖写入会获得新的 Seq。
type Entry struct {
	Key      RequestKey
	Response Response
	StoredAt time.Time
	Seq      int64
}

// Backend 负责单个代际内条目的持久化。实现需保证同一 key 的覆盖写入对读者原子可见。
type Backend interface {
	// Open 确保代际存在；对象存储等前缀隐式存在的实现可直接返回 nil。
	Open(ctx context.Context, gen Generation) error

	// Generations 列出当前存在的全部代际，顺序不作保证。
	Generations(ctx context.Context) ([]Generation, error)

	// DeleteGeneration 删除整个代际；代际不存在时视为成功。
	DeleteGeneration(ctx context.Context, gen Generation) error

	// Put 写入或替换条目。
	Put(ctx context.Context, gen Generation, entry Entry) error

	// Get 返回条目；不存在时返回 ErrNotFound。
	Get(ctx context.Context, gen Generation, key RequestKey) (*Entry, error)

	// List 按 Seq 升序返回代际内全部条目的 key。
	List(ctx context.Context, gen Generation) ([]RequestKey, error)
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidGeneration 表示代际名称为空或包含路径分隔符。
var ErrInvalidGeneration = errors.New("invalid cache generation")

// sortedKeys 按写入顺序（Seq 升序）输出条目 key。
func sortedKeys(entries []*Entry) []RequestKey {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Seq < entries[j].Seq
	})
	keys := make([]RequestKey, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return keys
}
