package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/joi/internal/kvstore"
	"github.com/dohr-michael/joi/internal/orchestrator"
	"github.com/dohr-michael/joi/internal/tasks"
)

func newLocalRunner(t *testing.T) (*LocalRunner, <-chan orchestrator.RunRequest) {
	t.Helper()
	runs := make(chan orchestrator.RunRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/runs") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req orchestrator.RunRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		runs <- req
		_, _ = io.WriteString(w, `{"run_id":"r-1"}`)
	}))
	t.Cleanup(srv.Close)

	l := NewLocalRunner(orchestrator.New(orchestrator.Options{URL: srv.URL}), time.UTC)
	l.Start()
	t.Cleanup(l.Stop)
	return l, runs
}

func TestLocalRunner_ScheduleOnceFires(t *testing.T) {
	l, runs := newLocalRunner(t)
	task := &tasks.Task{TaskID: "t1", UserID: "u1", ThreadID: "th-1"}

	if err := l.ScheduleOnce(context.Background(), task, time.Millisecond, "go"); err != nil {
		t.Fatal(err)
	}
	if l.Pending() != 1 {
		t.Errorf("pending = %d", l.Pending())
	}

	select {
	case req := <-runs:
		if req.Input == nil || req.Input.Messages[0].Content != "go" {
			t.Errorf("request = %+v", req)
		}
		if req.AfterSeconds != 0 {
			t.Errorf("local fire must start immediately, after_seconds = %d", req.AfterSeconds)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLocalRunner_CronLifecycle(t *testing.T) {
	l, _ := newLocalRunner(t)
	task := &tasks.Task{TaskID: "t2", UserID: "u1", ThreadID: "th-2"}

	id, err := l.ScheduleCron(context.Background(), task, "0 9 * * *", "go")
	if err != nil {
		t.Fatal(err)
	}
	if id != "local-t2" {
		t.Errorf("cron id = %q", id)
	}
	// re-registering replaces the entry
	if _, err := l.ScheduleCron(context.Background(), task, "0 10 * * *", "go"); err != nil {
		t.Fatal(err)
	}
	if l.Pending() != 1 {
		t.Errorf("pending = %d", l.Pending())
	}

	if _, err := l.ScheduleCron(context.Background(), task, "bogus", "go"); err == nil {
		t.Error("expected error for an invalid expression")
	}

	if err := l.Unschedule(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if l.Pending() != 0 {
		t.Errorf("pending after unschedule = %d", l.Pending())
	}
}

func TestLocalRunner_Recover(t *testing.T) {
	l, _ := newLocalRunner(t)
	ctx := context.Background()
	store := tasks.NewStore(kvstore.NewMemory())
	later := time.Now().Add(time.Hour)

	seed := []*tasks.Task{
		{TaskID: "a", UserID: "u1", Status: tasks.StatusScheduled, ScheduledAt: &later},
		{TaskID: "b", UserID: "u1", Status: tasks.StatusRetry, ScheduledAt: &later},
		{TaskID: "c", UserID: "u1", Status: tasks.StatusCompleted, CronID: "local-c", Schedule: "@daily"},
		{TaskID: "d", UserID: "u1", Status: tasks.StatusCancelled, CronID: "local-d", Schedule: "@daily"},
		{TaskID: "e", UserID: "u1", Status: tasks.StatusScheduled, CronID: "remote-e", Schedule: "@daily"},
		{TaskID: "f", UserID: "u2", Status: tasks.StatusClosed},
	}
	for _, task := range seed {
		if err := store.Put(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	armed, err := l.Recover(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	// a and b as timers, c as a cron entry
	if armed != 3 || l.Pending() != 3 {
		t.Errorf("armed = %d, pending = %d", armed, l.Pending())
	}
}
