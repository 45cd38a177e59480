package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/joi/internal/kvstore"
	"github.com/dohr-michael/joi/internal/tasks"
)

type fakeRunner struct {
	mu          sync.Mutex
	once        []time.Duration
	crons       []string
	unscheduled []string
	resumed     []any
	sent        []string
	err         error
}

func (f *fakeRunner) ScheduleOnce(_ context.Context, _ *tasks.Task, delay time.Duration, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.once = append(f.once, delay)
	return nil
}

func (f *fakeRunner) ScheduleCron(_ context.Context, t *tasks.Task, schedule, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.crons = append(f.crons, schedule)
	return "cron-" + t.TaskID, nil
}

func (f *fakeRunner) Unschedule(_ context.Context, t *tasks.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unscheduled = append(f.unscheduled, t.TaskID)
	return nil
}

func (f *fakeRunner) Resume(_ context.Context, _ *tasks.Task, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.resumed = append(f.resumed, value)
	return nil
}

func (f *fakeRunner) Send(_ context.Context, _ *tasks.Task, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, content)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeRunner) {
	t.Helper()
	r := &fakeRunner{}
	s := New(Config{Store: tasks.NewStore(kvstore.NewMemory()), Runner: r})
	s.now = func() time.Time { return time.Date(2026, 2, 16, 10, 0, 0, 0, time.UTC) }
	return s, r
}

func mustSchedule(t *testing.T, s *Scheduler, req Request) *tasks.Task {
	t.Helper()
	res, err := s.Schedule(context.Background(), req)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	return res.Task
}

func TestSchedule_Delay(t *testing.T) {
	s, r := newTestScheduler(t)
	ctx := context.Background()

	res, err := s.Schedule(ctx, Request{UserID: "u1", Title: "Check oven", Description: "is it hot", DelaySeconds: 300})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(res.Task.TaskID) != 12 {
		t.Errorf("task id = %q", res.Task.TaskID)
	}
	if !strings.Contains(res.Message, "in 300s") || !strings.Contains(res.Message, res.Task.TaskID) {
		t.Errorf("message = %q", res.Message)
	}
	if len(r.once) != 1 || r.once[0] != 300*time.Second {
		t.Fatalf("runner calls = %v", r.once)
	}

	got, err := s.Store().Get(ctx, "u1", res.Task.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != tasks.StatusScheduled {
		t.Errorf("status = %s", got.Status)
	}
	if got.Log[0].Event != "created" {
		t.Errorf("log[0] = %+v", got.Log[0])
	}
	if got.ThreadID != tasks.ThreadID("u1", got.TaskID) {
		t.Errorf("thread id = %s", got.ThreadID)
	}
	want := time.Date(2026, 2, 16, 10, 5, 0, 0, time.UTC)
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(want) {
		t.Errorf("scheduled_at = %v", got.ScheduledAt)
	}
}

func TestSchedule_PastWhenClampsToOneSecond(t *testing.T) {
	s, r := newTestScheduler(t)
	mustSchedule(t, s, Request{UserID: "u1", Title: "late", When: "2020-01-01T00:00:00Z"})
	if len(r.once) != 1 || r.once[0] != time.Second {
		t.Fatalf("runner calls = %v", r.once)
	}
}

func TestSchedule_Recurring(t *testing.T) {
	s, r := newTestScheduler(t)
	task := mustSchedule(t, s, Request{UserID: "u1", Title: "standup", When: "0 9 * * 1-5", Recurring: true})

	if task.CronID != "cron-"+task.TaskID || task.Schedule != "0 9 * * 1-5" {
		t.Fatalf("task = %+v", task)
	}
	if !task.Recurring() {
		t.Error("expected recurring")
	}
	if len(r.crons) != 1 {
		t.Fatalf("crons = %v", r.crons)
	}
	stored, _ := s.Store().Get(context.Background(), "u1", task.TaskID)
	if stored.CronID == "" {
		t.Error("cron id not persisted")
	}
}

func TestSchedule_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"no when", Request{UserID: "u1", Title: "x"}, "'when'"},
		{"bad time", Request{UserID: "u1", Title: "x", When: "tomorrow"}, "Invalid time"},
		{"bad cron", Request{UserID: "u1", Title: "x", When: "every day", Recurring: true}, "Invalid cron"},
		{"cron missing", Request{UserID: "u1", Title: "x", Recurring: true}, "cron expression"},
		{"no title", Request{UserID: "u1", DelaySeconds: 5}, "Title"},
		{"no user", Request{Title: "x", DelaySeconds: 5}, "user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, r := newTestScheduler(t)
			_, err := s.Schedule(context.Background(), tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(verr.Msg, tt.want) {
				t.Errorf("message %q does not mention %q", verr.Msg, tt.want)
			}
			if len(r.once)+len(r.crons) != 0 {
				t.Error("runner must not be called")
			}
			all, _ := s.Store().ListAll(context.Background())
			if len(all) != 0 {
				t.Errorf("no task should be stored, got %d", len(all))
			}
		})
	}
}

func TestSchedule_RunnerFailureMarksFailed(t *testing.T) {
	s, r := newTestScheduler(t)
	r.err = errors.New("agent down")

	_, err := s.Schedule(context.Background(), Request{UserID: "u1", Title: "x", DelaySeconds: 10})
	if err == nil || !strings.Contains(err.Error(), "agent down") {
		t.Fatalf("err = %v", err)
	}

	all, _ := s.Store().ListAll(context.Background())
	if len(all) != 1 {
		t.Fatalf("tasks = %d", len(all))
	}
	got := all[0]
	if got.Status != tasks.StatusFailed || got.Notified {
		t.Errorf("status = %s notified = %v", got.Status, got.Notified)
	}
	if last, _ := got.LastLog(); last.Event != "error" {
		t.Errorf("last log = %+v", last)
	}
}

func TestUpdate_Transitions(t *testing.T) {
	tests := []struct {
		action       string
		req          UpdateRequest
		wantStatus   tasks.TaskStatus
		wantNotified bool
	}{
		{"start", UpdateRequest{Action: ActionStart}, tasks.StatusRunning, false},
		{"progress", UpdateRequest{Action: ActionProgress, Detail: "half"}, tasks.StatusScheduled, true},
		{"complete", UpdateRequest{Action: ActionComplete, Detail: "hot"}, tasks.StatusCompleted, false},
		{"fail", UpdateRequest{Action: ActionFail, Detail: "no oven"}, tasks.StatusFailed, false},
		{"cancel", UpdateRequest{Action: ActionCancel}, tasks.StatusCancelled, false},
		{"ask", UpdateRequest{Action: ActionAsk, Question: "which oven?"}, tasks.StatusWaitingUser, false},
		{"retry", UpdateRequest{Action: ActionRetry}, tasks.StatusRetry, true},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			s, _ := newTestScheduler(t)
			ctx := context.Background()
			task := mustSchedule(t, s, Request{UserID: "u1", Title: "Check oven", DelaySeconds: 300})

			// notified=true makes the reset observable
			task.Notified = true
			if err := s.Store().Put(ctx, task); err != nil {
				t.Fatal(err)
			}

			req := tt.req
			req.UserID, req.TaskID = "u1", task.TaskID
			if _, err := s.Update(ctx, req); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, _ := s.Store().Get(ctx, "u1", task.TaskID)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.Notified != tt.wantNotified {
				t.Errorf("notified = %v, want %v", got.Notified, tt.wantNotified)
			}
			if len(got.Log) != 2 {
				t.Errorf("log = %+v", got.Log)
			}
		})
	}
}

func TestUpdate_RetryReschedules(t *testing.T) {
	s, r := newTestScheduler(t)
	ctx := context.Background()
	task := mustSchedule(t, s, Request{UserID: "u1", Title: "x", DelaySeconds: 10})

	msg, err := s.Update(ctx, UpdateRequest{UserID: "u1", TaskID: task.TaskID, Action: ActionRetry})
	if err != nil {
		t.Fatal(err)
	}
	if msg != "Task "+task.TaskID+" will retry in 5 minutes." {
		t.Errorf("msg = %q", msg)
	}
	if len(r.once) != 2 || r.once[1] != 5*time.Minute {
		t.Fatalf("runner calls = %v", r.once)
	}

	if _, err := s.Update(ctx, UpdateRequest{UserID: "u1", TaskID: task.TaskID, Action: ActionRetry, RetryIn: 2}); err != nil {
		t.Fatal(err)
	}
	if r.once[2] != 2*time.Minute {
		t.Errorf("retry_in ignored: %v", r.once)
	}
}

func TestUpdate_Errors(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	task := mustSchedule(t, s, Request{UserID: "u1", Title: "x", DelaySeconds: 10})

	var verr *ValidationError
	if _, err := s.Update(ctx, UpdateRequest{UserID: "u1", TaskID: "nope", Action: ActionComplete}); !errors.As(err, &verr) || verr.Msg != "Task nope not found." {
		t.Errorf("missing task: %v", err)
	}
	if _, err := s.Update(ctx, UpdateRequest{UserID: "u1", TaskID: task.TaskID, Action: "explode"}); !errors.As(err, &verr) || !strings.HasPrefix(verr.Msg, "Unknown action: explode") {
		t.Errorf("unknown action: %v", err)
	}
	if _, err := s.Update(ctx, UpdateRequest{UserID: "u1", TaskID: task.TaskID, Action: ActionAsk}); !errors.As(err, &verr) || verr.Msg != "Question is required for action=ask" {
		t.Errorf("ask without question: %v", err)
	}
	// another user's task is invisible
	if _, err := s.Update(ctx, UpdateRequest{UserID: "u2", TaskID: task.TaskID, Action: ActionComplete}); !errors.As(err, &verr) {
		t.Errorf("cross-user update: %v", err)
	}
}

func TestUpdate_MessageQueued(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	task := mustSchedule(t, s, Request{UserID: "u1", Title: "x", DelaySeconds: 10})

	for _, m := range []string{"first", "second"} {
		if _, err := s.Update(ctx, UpdateRequest{UserID: "u1", TaskID: task.TaskID, Action: ActionProgress, Message: m}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := s.Store().Get(ctx, "u1", task.TaskID)
	if strings.Join(got.PendingMessages, ",") != "first,second" {
		t.Errorf("pending = %v", got.PendingMessages)
	}
}

func TestCancel_RecurringUnschedules(t *testing.T) {
	s, r := newTestScheduler(t)
	task := mustSchedule(t, s, Request{UserID: "u1", Title: "x", When: "@hourly", Recurring: true})

	if _, err := s.Cancel(context.Background(), "u1", task.TaskID, ""); err != nil {
		t.Fatal(err)
	}
	if len(r.unscheduled) != 1 || r.unscheduled[0] != task.TaskID {
		t.Errorf("unscheduled = %v", r.unscheduled)
	}
}

func TestAnswer(t *testing.T) {
	s, r := newTestScheduler(t)
	ctx := context.Background()
	task := mustSchedule(t, s, Request{UserID: "u1", Title: "x", DelaySeconds: 10})

	if err := s.Answer(ctx, "u1", task.TaskID, "blue"); err == nil {
		t.Fatal("answer to a task not waiting must fail")
	}

	if _, err := s.Update(ctx, UpdateRequest{UserID: "u1", TaskID: task.TaskID, Action: ActionAsk, Question: "color?"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Answer(ctx, "u1", task.TaskID, "blue"); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	got, _ := s.Store().Get(ctx, "u1", task.TaskID)
	if got.Status != tasks.StatusRunning || got.Question != "" {
		t.Errorf("task = %+v", got)
	}
	if last, _ := got.LastLog(); last.Event != "answered" || last.Detail != "blue" {
		t.Errorf("last log = %+v", last)
	}
	if len(r.sent) != 1 || !strings.Contains(r.sent[0], "blue") {
		t.Errorf("sent = %v", r.sent)
	}
}

func TestResolveInterrupt(t *testing.T) {
	s, r := newTestScheduler(t)
	ctx := context.Background()
	task := mustSchedule(t, s, Request{UserID: "u1", Title: "x", DelaySeconds: 10})

	if err := s.ResolveInterrupt(ctx, "u1", task.TaskID, true); err == nil {
		t.Fatal("expected error without a pending interrupt")
	}

	task, _ = s.Store().Get(ctx, "u1", task.TaskID)
	task.InterruptData = json.RawMessage(`{"id":"int-9","value":{"action_requests":[{"name":"send_email","args":{}},{"name":"delete_file","args":{}}]}}`)
	task.InterruptMsgID = "77"
	if err := s.Store().Put(ctx, task); err != nil {
		t.Fatal(err)
	}

	if err := s.ResolveInterrupt(ctx, "u1", task.TaskID, false); err != nil {
		t.Fatalf("ResolveInterrupt: %v", err)
	}
	if len(r.resumed) != 1 {
		t.Fatalf("resumed = %v", r.resumed)
	}
	payload, _ := json.Marshal(r.resumed[0])
	if string(payload) != `{"int-9":{"decisions":[{"type":"reject"},{"type":"reject"}]}}` {
		t.Errorf("resume payload = %s", payload)
	}

	got, _ := s.Store().Get(ctx, "u1", task.TaskID)
	if got.HasInterrupt() || got.InterruptMsgID != "" {
		t.Errorf("interrupt not cleared: %+v", got)
	}
	if last, _ := got.LastLog(); last.Event != "interrupt_resolved" {
		t.Errorf("last log = %+v", last)
	}
}

func TestResolveInterrupt_ResumeFailureKeepsState(t *testing.T) {
	s, r := newTestScheduler(t)
	ctx := context.Background()
	task := mustSchedule(t, s, Request{UserID: "u1", Title: "x", DelaySeconds: 10})
	task.InterruptData = json.RawMessage(`{"value":"ok?"}`)
	if err := s.Store().Put(ctx, task); err != nil {
		t.Fatal(err)
	}

	r.err = errors.New("agent down")
	if err := s.ResolveInterrupt(ctx, "u1", task.TaskID, true); err == nil {
		t.Fatal("expected error")
	}
	got, _ := s.Store().Get(ctx, "u1", task.TaskID)
	if !got.HasInterrupt() {
		t.Error("interrupt must stay pending when the resume failed")
	}
}

func TestList(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	out, err := s.List(ctx, "u1", "")
	if err != nil || out != "No tasks found." {
		t.Fatalf("empty list = %q, %v", out, err)
	}

	task := mustSchedule(t, s, Request{UserID: "u1", Title: "Check oven", DelaySeconds: 300})
	mustSchedule(t, s, Request{UserID: "u1", Title: "standup", When: "0 9 * * *", Recurring: true})

	out, err = s.List(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("expected two lines, got %q", out)
	}
	if !strings.Contains(out, "- [scheduled] Check oven | id:"+task.TaskID+" | at:2026-02-16 10:05 | last: Scheduled for") {
		t.Errorf("list = %q", out)
	}
	if !strings.Contains(out, "(cron: 0 9 * * *)") {
		t.Errorf("cron line missing: %q", out)
	}

	if out, _ := s.List(ctx, "u1", "completed"); out != "No tasks found." {
		t.Errorf("filtered = %q", out)
	}

	var verr *ValidationError
	if _, err := s.List(ctx, "u1", "done"); !errors.As(err, &verr) || !strings.HasPrefix(verr.Msg, "Unknown status: done. Valid: scheduled") {
		t.Errorf("bad filter: %v", err)
	}
}

func TestParseWhen(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-02-16T15:30:00Z", time.Date(2026, 2, 16, 15, 30, 0, 0, time.UTC)},
		{"2026-02-16T15:30:00+01:00", time.Date(2026, 2, 16, 14, 30, 0, 0, time.UTC)},
		{"2026-02-16T15:30:00", time.Date(2026, 2, 16, 15, 30, 0, 0, time.UTC)},
		{"2026-02-16 15:30", time.Date(2026, 2, 16, 15, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseWhen(tt.in)
		if err != nil {
			t.Errorf("ParseWhen(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseWhen(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseWhen("next tuesday"); err == nil {
		t.Error("expected error")
	}
}

func TestTaskPrompt(t *testing.T) {
	task := &tasks.Task{TaskID: "abc123def456", Title: "Check oven", Description: "look at it"}
	p := TaskPrompt(task)
	if !strings.HasPrefix(p, "[Background Task: Check oven] (task_id: abc123def456)") {
		t.Errorf("prompt = %q", p)
	}
	if !strings.Contains(p, "update_task(task_id='abc123def456', action='start')") {
		t.Error("start instruction missing")
	}
	task.Schedule = "@daily"
	if !strings.HasPrefix(TaskPrompt(task), "[Recurring Task:") {
		t.Error("recurring prefix missing")
	}
}
