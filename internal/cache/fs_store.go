package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	entrySuffix = ".entry"
	trashPrefix = ".trash-"
)

// NewDiskBackend 以 basePath 为根目录构建磁盘后端，整站复用一份实例。
func NewDiskBackend(basePath string) (Backend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	if err := sweepTrash(abs); err != nil {
		return nil, fmt.Errorf("sweep trash: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 key 并发写入；代际即 basePath 下的子目录。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Open(ctx context.Context, gen Generation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.generationDir(gen)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) Generations(ctx context.Context) ([]Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	result := make([]Generation, 0, len(items))
	for _, item := range items {
		if item.IsDir() && !strings.HasPrefix(item.Name(), ".") {
			result = append(result, Generation(item.Name()))
		}
	}
	return result, nil
}

func (s *fileStore) DeleteGeneration(ctx context.Context, gen Generation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.generationDir(gen)
	if err != nil {
		return err
	}
	// 先改名再删除，避免删除过程中读者看到半残的目录。
	trash, err := os.MkdirTemp(s.basePath, trashPrefix+"*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(trash)
	if err := os.Rename(dir, filepath.Join(trash, "gen")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// sweepTrash 清理上次进程在改名与删除之间退出时遗留的 .trash-* 目录。
func sweepTrash(basePath string) error {
	items, err := os.ReadDir(basePath)
	if err != nil {
		return err
	}
	var errs []error
	for _, item := range items {
		if !strings.HasPrefix(item.Name(), trashPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(basePath, item.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) Put(ctx context.Context, gen Generation, entry Entry) error {
	unlock := s.lockEntry(gen, entry.Key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	filePath, err := s.entryPath(gen, entry.Key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	err = encodeEntry(tempFile, entry)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Get(ctx context.Context, gen Generation, key RequestKey) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(gen, key)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry, err := decodeEntry(bytes.NewReader(raw), true)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		// sha1 碰撞或手工篡改，按未命中处理。
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *fileStore) List(ctx context.Context, gen Generation) ([]RequestKey, error) {
	dir, err := s.generationDir(gen)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]*Entry, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		f, err := os.Open(filepath.Join(dir, item.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entry, err := decodeEntry(f, false)
		f.Close()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return sortedKeys(entries), nil
}

func (s *fileStore) lockEntry(gen Generation, key RequestKey) func() {
	lockKey := string(gen) + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) generationDir(gen Generation) (string, error) {
	if err := validateGeneration(gen); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, string(gen)), nil
}

func (s *fileStore) entryPath(gen Generation, key RequestKey) (string, error) {
	dir, err := s.generationDir(gen)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, key.Digest()+entrySuffix), nil
}

func validateGeneration(gen Generation) error {
	name := string(gen)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidGeneration, name)
	}
	return nil
}
