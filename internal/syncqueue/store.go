package syncqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const actionSuffix = ".json"

// diskStore 以 <dir>/<seq>.json 保存动作；文件名零填充，目录序即入队序。
type diskStore struct {
	dir string
}

func openDiskStore(dir string) (*diskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &diskStore{dir: dir}, nil
}

// load 读取全部动作并按 Seq 排序；无法解析的文件会被跳过并返回给调用方记录。
func (s *diskStore) load() ([]*Action, []string, error) {
	items, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, err
	}
	var (
		actions []*Action
		corrupt []string
	)
	for _, item := range items {
		name := item.Name()
		if item.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, actionSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, nil, err
		}
		var action Action
		if err := json.Unmarshal(raw, &action); err != nil || action.ID == "" {
			corrupt = append(corrupt, name)
			continue
		}
		actions = append(actions, &action)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Seq < actions[j].Seq })
	return actions, corrupt, nil
}

func (s *diskStore) save(action *Action) error {
	raw, err := json.Marshal(action)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".action-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(raw)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(action.Seq)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *diskStore) delete(action *Action) error {
	if err := os.Remove(s.path(action.Seq)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *diskStore) path(seq int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%020d%s", seq, actionSuffix))
}
