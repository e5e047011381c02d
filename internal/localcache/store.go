// Package localcache 提供应用层使用的 TTL 键值缓存：每个条目一个 JSON 文件，
// 文件名带命名空间前缀，超过 TTL 的条目在下一次读取时删除。
package localcache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
)

const (
	// DefaultTTL 与 DefaultMaxEntries 对应仪表盘缓存的既有常量。
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 50
	DefaultPrefix     = "dashboard_cache_"

	fileSuffix = ".json"
)

// Options 描述 Store 的目录、命名空间与容量。
type Options struct {
	Dir        string
	Prefix     string
	TTL        time.Duration
	MaxEntries int
	Logger     *logrus.Logger
}

// entry 是磁盘上的条目格式，字段名沿用前端 localStorage 的结构。
type entry struct {
	Key         string          `json:"key"`
	Data        json.RawMessage `json:"data"`
	Timestamp   int64           `json:"timestamp"`
	AccessCount int             `json:"accessCount"`
}

// Store 是带 LRU 容量上限的 TTL 缓存。所有文件操作在 mu 下串行执行。
type Store struct {
	dir        string
	prefix     string
	ttl        time.Duration
	maxEntries int
	logger     *logrus.Logger
	now        func() time.Time

	mu sync.Mutex
	// recency 以文件名为键记录最近使用顺序，条目离开时由 onEvict 删除对应文件。
	recency   *lru.Cache[string, struct{}]
	evictErrs []error
}

// Open 创建目录（若不存在）并根据文件修改时间重建最近使用顺序。
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("local cache dir required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local cache dir: %w", err)
	}

	s := &Store{
		dir:        opts.Dir,
		prefix:     opts.Prefix,
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		logger:     logger,
		now:        time.Now,
	}
	recency, err := lru.NewWithEvict[string, struct{}](opts.MaxEntries, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create local cache index: %w", err)
	}
	s.recency = recency
	if err := s.loadRecency(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadRecency() error {
	names, err := s.namespaceFiles()
	if err != nil {
		return err
	}
	type aged struct {
		name string
		mod  time.Time
	}
	files := make([]aged, 0, len(names))
	for _, name := range names {
		info, err := os.Stat(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		files = append(files, aged{name: name, mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	// 按修改时间从旧到新加入，超出容量的旧文件在加入时即被淘汰。
	for _, f := range files {
		s.recency.Add(f.name, struct{}{})
	}
	if err := s.takeEvictErr(); err != nil {
		s.logger.WithError(err).WithField("action", "local_cache_open").Warn("local_cache_evict_failed")
	}
	return nil
}

// Set 写入 (value, now)，覆盖同名条目；超出容量时淘汰最久未使用的条目。
func (s *Store) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode local cache value: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.fileName(key)
	if err := s.writeEntry(name, entry{
		Key:       key,
		Data:      data,
		Timestamp: s.now().UnixMilli(),
	}); err != nil {
		return err
	}
	if s.recency.Add(name, struct{}{}) {
		if err := s.takeEvictErr(); err != nil {
			s.logger.WithError(err).WithField("action", "local_cache_evict").Warn("local_cache_evict_failed")
		} else {
			s.logger.WithFields(logrus.Fields{"action": "local_cache_evict", "key": key}).Debug("local_cache_evicted")
		}
	}
	return nil
}

// Get 把未过期的值解码进 out，返回是否命中。过期或损坏的条目会被删除。
func (s *Store) Get(key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.fileName(key)
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			_ = s.removeFile(name)
			return false, nil
		}
		return false, err
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Key != key {
		s.logger.WithFields(logrus.Fields{"action": "local_cache_get", "key": key}).
			Warn("local_cache_entry_corrupted")
		s.removeFile(name)
		return false, nil
	}

	age := s.now().Sub(time.UnixMilli(e.Timestamp))
	if age > s.ttl {
		s.removeFile(name)
		return false, nil
	}

	if out != nil {
		if err := json.Unmarshal(e.Data, out); err != nil {
			return false, fmt.Errorf("decode local cache value: %w", err)
		}
	}

	e.AccessCount++
	if err := s.writeEntry(name, e); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("local_cache_touch_failed")
	}
	s.recency.Get(name)
	return true, nil
}

// Remove 删除单个条目；不存在时视为成功。
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeFile(s.fileName(key))
}

// ClearAll 只删除本命名空间前缀下的文件，目录中的其他数据保持不变。
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.namespaceFiles()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if err := s.removeFile(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len 返回当前跟踪的条目数（含尚未被读取清理的过期条目）。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recency.Len()
}

func (s *Store) fileName(key string) string {
	sum := sha1.Sum([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:]) + fileSuffix
}

func (s *Store) namespaceFiles() ([]string, error) {
	items, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, item := range items {
		name := item.Name()
		if item.IsDir() || !strings.HasPrefix(name, s.prefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *Store) writeEntry(name string, e entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".local-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(raw)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// removeFile 让文件离开 LRU；未被跟踪的文件直接删除。
func (s *Store) removeFile(name string) error {
	if s.recency.Remove(name) {
		return s.takeEvictErr()
	}
	return deleteFile(filepath.Join(s.dir, name))
}

// onEvict 是 LRU 的淘汰回调，容量淘汰、Remove 与 Purge 都会经过这里。
func (s *Store) onEvict(name string, _ struct{}) {
	if err := deleteFile(filepath.Join(s.dir, name)); err != nil {
		s.evictErrs = append(s.evictErrs, fmt.Errorf("%s: %w", name, err))
	}
}

func (s *Store) takeEvictErr() error {
	err := errors.Join(s.evictErrs...)
	s.evictErrs = nil
	return err
}

func deleteFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
