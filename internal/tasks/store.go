package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/dohr-michael/joi/internal/kvstore"
)

const (
	taskNamespace = "tasks"
	msgNamespace  = "task_msgs"
	stateKey      = "state"
)

// ErrNotFound is returned when a task does not exist for the user.
var ErrNotFound = errors.New("task not found")

// QueuedMessage is a message the running agent left for the user.
type QueuedMessage struct {
	Key  string `json:"-"`
	Text string `json:"text"`
}

// Store persists tasks as ("tasks", user, task) → "state" and queued
// messages as ("task_msgs", user, task) → <ulid>.
type Store struct {
	kv kvstore.Store
}

// NewStore wraps a key-value backend.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

func taskNS(userID, taskID string) []string {
	return []string{taskNamespace, userID, taskID}
}

func msgNS(userID, taskID string) []string {
	return []string{msgNamespace, userID, taskID}
}

// Get loads a task, returning ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, userID, taskID string) (*Task, error) {
	var t Task
	err := kvstore.GetJSON(ctx, s.kv, taskNS(userID, taskID), stateKey, &t)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Put writes the full task state.
func (s *Store) Put(ctx context.Context, t *Task) error {
	if t.TaskID == "" || t.UserID == "" {
		return fmt.Errorf("put task: missing task_id or user_id")
	}
	if t.Log == nil {
		t.Log = []LogEntry{}
	}
	if t.PendingMessages == nil {
		t.PendingMessages = []string{}
	}
	return kvstore.PutJSON(ctx, s.kv, taskNS(t.UserID, t.TaskID), stateKey, t)
}

// ListUser returns the user's tasks, newest first, optionally filtered by status.
func (s *Store) ListUser(ctx context.Context, userID string, statuses ...TaskStatus) ([]*Task, error) {
	return s.list(ctx, []string{taskNamespace, userID}, statuses)
}

// ListAll returns every user's tasks, newest first.
func (s *Store) ListAll(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
	return s.list(ctx, []string{taskNamespace}, statuses)
}

func (s *Store) list(ctx context.Context, prefix []string, statuses []TaskStatus) ([]*Task, error) {
	items, err := s.kv.Search(ctx, prefix, 0)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var out []*Task
	for _, item := range items {
		if item.Key != stateKey || len(item.Namespace) != 3 {
			continue
		}
		var t Task
		if err := json.Unmarshal(item.Value, &t); err != nil {
			slog.Warn("tasks: skip unreadable task", "namespace", item.Namespace, "error", err)
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, t.Status) {
			continue
		}
		out = append(out, &t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// EnqueueMessage queues text for delivery by the notifier. Keys are ULIDs,
// so the store's key order is arrival order.
func (s *Store) EnqueueMessage(ctx context.Context, userID, taskID, text string) (string, error) {
	key := ulid.Make().String()
	if err := kvstore.PutJSON(ctx, s.kv, msgNS(userID, taskID), key, QueuedMessage{Text: text}); err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	return key, nil
}

// ListMessages returns queued messages in arrival order.
func (s *Store) ListMessages(ctx context.Context, userID, taskID string) ([]QueuedMessage, error) {
	items, err := s.kv.Search(ctx, msgNS(userID, taskID), 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]QueuedMessage, 0, len(items))
	for _, item := range items {
		var m QueuedMessage
		if err := json.Unmarshal(item.Value, &m); err != nil || m.Text == "" {
			continue
		}
		m.Key = item.Key
		out = append(out, m)
	}
	return out, nil
}

// DeleteMessage removes a delivered message.
func (s *Store) DeleteMessage(ctx context.Context, userID, taskID, key string) error {
	return s.kv.Delete(ctx, msgNS(userID, taskID), key)
}
