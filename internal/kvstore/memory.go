package kvstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Memory is a process-local Store, used for tests and `--store memory`.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Item // EncodeNamespace(ns)+key
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]Item)}
}

func (m *Memory) Get(_ context.Context, ns []string, key string) (*Item, error) {
	if err := validate(ns, key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[EncodeNamespace(ns)+key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneItem(item), nil
}

func (m *Memory) Put(_ context.Context, ns []string, key string, value json.RawMessage) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[EncodeNamespace(ns)+key] = Item{
		Namespace: append([]string(nil), ns...),
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, ns []string, key string) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, EncodeNamespace(ns)+key)
	return nil
}

func (m *Memory) Search(_ context.Context, prefix []string, limit int) ([]Item, error) {
	p := EncodeNamespace(prefix)
	m.mu.RLock()
	var out []Item
	for _, item := range m.items {
		if strings.HasPrefix(EncodeNamespace(item.Namespace), p) {
			out = append(out, *cloneItem(item))
		}
	}
	m.mu.RUnlock()

	SortItems(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func cloneItem(item Item) *Item {
	item.Namespace = append([]string(nil), item.Namespace...)
	item.Value = append(json.RawMessage(nil), item.Value...)
	return &item
}
