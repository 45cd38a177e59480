// Package kvstore is the hierarchical key-value store that holds task state,
// queued task messages and usage totals. Values are JSON documents addressed
// by a namespace path plus a key.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("kvstore: item not found")
	ErrInvalidKey = errors.New("kvstore: invalid namespace or key")
)

// Item is one stored value.
type Item struct {
	Namespace []string        `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is implemented by every backend.
type Store interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, ns []string, key string) (*Item, error)
	Put(ctx context.Context, ns []string, key string, value json.RawMessage) error
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, ns []string, key string) error
	// Search lists items whose namespace starts with prefix, ordered by
	// namespace then key. limit <= 0 means no limit.
	Search(ctx context.Context, prefix []string, limit int) ([]Item, error)
	Close() error
}

const sep = "/"

// EncodeNamespace joins namespace parts into the flat form used by the SQL
// backends. The trailing separator keeps ("tasks","1") from matching
// ("tasks","10") in prefix searches.
func EncodeNamespace(ns []string) string {
	if len(ns) == 0 {
		return ""
	}
	return strings.Join(ns, sep) + sep
}

// DecodeNamespace reverses EncodeNamespace.
func DecodeNamespace(s string) []string {
	s = strings.TrimSuffix(s, sep)
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}

func validate(ns []string, key string) error {
	if len(ns) == 0 {
		return fmt.Errorf("%w: empty namespace", ErrInvalidKey)
	}
	for _, p := range ns {
		if p == "" || p == "." || p == ".." || strings.Contains(p, sep) {
			return fmt.Errorf("%w: namespace part %q", ErrInvalidKey, p)
		}
	}
	if key == "" || key == "." || key == ".." || strings.Contains(key, sep) {
		return fmt.Errorf("%w: key %q", ErrInvalidKey, key)
	}
	return nil
}

// SortItems orders items by namespace, then key.
func SortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := EncodeNamespace(items[i].Namespace), EncodeNamespace(items[j].Namespace)
		if a != b {
			return a < b
		}
		return items[i].Key < items[j].Key
	})
}

// GetJSON reads a key and unmarshals it into out.
func GetJSON(ctx context.Context, s Store, ns []string, key string, out any) error {
	item, err := s.Get(ctx, ns, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(item.Value, out); err != nil {
		return fmt.Errorf("decode %s%s: %w", EncodeNamespace(ns), key, err)
	}
	return nil
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, s Store, ns []string, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s%s: %w", EncodeNamespace(ns), key, err)
	}
	return s.Put(ctx, ns, key, data)
}
