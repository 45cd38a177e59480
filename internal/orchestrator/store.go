package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dohr-michael/joi/internal/kvstore"
)

// RemoteStore is a kvstore.Store backed by the agent server's store API, so
// the agent's own tools and this process share task state.
type RemoteStore struct {
	client *Client
}

var _ kvstore.Store = (*RemoteStore)(nil)

// NewRemoteStore wraps c.
func NewRemoteStore(c *Client) *RemoteStore {
	return &RemoteStore{client: c}
}

type remoteItem struct {
	Namespace []string        `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (r remoteItem) item() kvstore.Item {
	return kvstore.Item{Namespace: r.Namespace, Key: r.Key, Value: r.Value, UpdatedAt: r.UpdatedAt}
}

func (s *RemoteStore) Get(ctx context.Context, ns []string, key string) (*kvstore.Item, error) {
	q := url.Values{}
	q.Set("namespace", strings.Join(ns, "."))
	q.Set("key", key)

	var resp *remoteItem
	err := s.client.do(ctx, http.MethodGet, "/store/items?"+q.Encode(), nil, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("remote store get: %w", err)
	}
	if resp == nil || resp.Value == nil || string(resp.Value) == "null" {
		return nil, kvstore.ErrNotFound
	}
	item := resp.item()
	return &item, nil
}

func (s *RemoteStore) Put(ctx context.Context, ns []string, key string, value json.RawMessage) error {
	body := map[string]any{"namespace": ns, "key": key, "value": value}
	if err := s.client.do(ctx, http.MethodPut, "/store/items", body, nil); err != nil {
		return fmt.Errorf("remote store put: %w", err)
	}
	return nil
}

func (s *RemoteStore) Delete(ctx context.Context, ns []string, key string) error {
	body := map[string]any{"namespace": ns, "key": key}
	err := s.client.do(ctx, http.MethodDelete, "/store/items", body, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remote store delete: %w", err)
	}
	return nil
}

const searchPage = 100

// Search pages through the server's search endpoint until it runs dry or
// limit items were collected.
func (s *RemoteStore) Search(ctx context.Context, prefix []string, limit int) ([]kvstore.Item, error) {
	var out []kvstore.Item
	for offset := 0; ; offset += searchPage {
		page := searchPage
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}
		body := map[string]any{"namespace_prefix": prefix, "limit": page, "offset": offset}
		var resp struct {
			Items []remoteItem `json:"items"`
		}
		if err := s.client.do(ctx, http.MethodPost, "/store/items/search", body, &resp); err != nil {
			return nil, fmt.Errorf("remote store search: %w", err)
		}
		for _, it := range resp.Items {
			out = append(out, it.item())
		}
		if len(resp.Items) < page || (limit > 0 && len(out) >= limit) {
			break
		}
	}
	kvstore.SortItems(out)
	return out, nil
}

func (s *RemoteStore) Close() error { return nil }
