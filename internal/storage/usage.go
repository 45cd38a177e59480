package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/kvstore"
)

const usageKey = "totals"

// Usage is the running token total of one user.
type Usage struct {
	Runs                int       `json:"runs"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
	CacheReadTokens     int       `json:"cache_read_tokens"`
	CacheCreationTokens int       `json:"cache_creation_tokens"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func usageNamespace(userID string) []string { return []string{"usage", userID} }

// GetUsage reads the totals of userID. Users with no runs get a zero Usage.
func GetUsage(ctx context.Context, kv kvstore.Store, userID string) (Usage, error) {
	var u Usage
	err := kvstore.GetJSON(ctx, kv, usageNamespace(userID), usageKey, &u)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("get usage of %s: %w", userID, err)
	}
	return u, nil
}

// UsageTracker subscribes to completed runs and accumulates token usage per user.
type UsageTracker struct {
	mu          sync.Mutex
	kv          kvstore.Store
	unsubscribe func()
}

// NewUsageTracker creates a UsageTracker that listens for run completions.
func NewUsageTracker(bus *events.Bus, kv kvstore.Store) *UsageTracker {
	ut := &UsageTracker{kv: kv}
	ut.unsubscribe = bus.Subscribe(ut.handleEvent, events.EventRunCompleted)
	return ut
}

// Close unsubscribes the tracker from the event bus.
func (ut *UsageTracker) Close() {
	if ut.unsubscribe != nil {
		ut.unsubscribe()
	}
}

func (ut *UsageTracker) handleEvent(e events.Event) {
	p, ok := events.ExtractPayload[events.RunCompletedPayload](e)
	if !ok || p.UserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ut.Record(ctx, p); err != nil {
		slog.Error("usage tracker: record", "user_id", p.UserID, "error", err)
	}
}

// Record adds one completed run to the totals of its user.
func (ut *UsageTracker) Record(ctx context.Context, p events.RunCompletedPayload) error {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	u, err := GetUsage(ctx, ut.kv, p.UserID)
	if err != nil {
		return err
	}
	u.Runs++
	u.InputTokens += p.InputTokens
	u.OutputTokens += p.OutputTokens
	u.CacheReadTokens += p.CacheReadTokens
	u.CacheCreationTokens += p.CacheCreationTokens
	u.UpdatedAt = time.Now().UTC()

	if err := kvstore.PutJSON(ctx, ut.kv, usageNamespace(p.UserID), usageKey, u); err != nil {
		return fmt.Errorf("put usage of %s: %w", p.UserID, err)
	}
	return nil
}
