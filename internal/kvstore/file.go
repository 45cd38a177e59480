package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileExt = ".json"

// File stores each item as <root>/<ns...>/<key>.json. Writes are atomic
// (temp file + rename), so a crash never leaves a half-written task.
type File struct {
	mu   sync.RWMutex
	root string
}

// NewFile creates a File store rooted at dir.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &File{root: dir}, nil
}

type fileRecord struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (f *File) dir(ns []string) string {
	return filepath.Join(append([]string{f.root}, ns...)...)
}

func (f *File) path(ns []string, key string) string {
	return filepath.Join(f.dir(ns), key+fileExt)
}

func (f *File) Get(_ context.Context, ns []string, key string) (*Item, error) {
	if err := validate(ns, key); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.read(ns, key)
}

func (f *File) read(ns []string, key string) (*Item, error) {
	data, err := os.ReadFile(f.path(ns, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read item: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item %s: %w", f.path(ns, key), err)
	}
	return &Item{
		Namespace: append([]string(nil), ns...),
		Key:       key,
		Value:     rec.Value,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func (f *File) Put(_ context.Context, ns []string, key string, value json.RawMessage) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fileRecord{Value: value, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir(ns), 0o755); err != nil {
		return fmt.Errorf("create namespace dir: %w", err)
	}
	path := f.path(ns, key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write item tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename item: %w", err)
	}
	return nil
}

func (f *File) Delete(_ context.Context, ns []string, key string) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(ns, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove item: %w", err)
	}
	return nil
}

func (f *File) Search(_ context.Context, prefix []string, limit int) ([]Item, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	start := f.dir(prefix)
	var out []Item
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileExt) {
			return nil
		}
		rel, err := filepath.Rel(f.root, filepath.Dir(path))
		if err != nil || rel == "." {
			return nil
		}
		ns := strings.Split(filepath.ToSlash(rel), "/")
		item, err := f.read(ns, strings.TrimSuffix(d.Name(), fileExt))
		if err != nil {
			return err
		}
		out = append(out, *item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", EncodeNamespace(prefix), err)
	}

	SortItems(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *File) Close() error { return nil }
