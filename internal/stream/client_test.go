package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/orchestrator"
)

func orchestratorFrame(event, data string) orchestrator.Frame {
	return orchestrator.Frame{Event: event, Data: []byte(data)}
}

func sse(frames ...[2]string) string {
	var b strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", f[0], f[1])
	}
	return b.String()
}

// fakeAgent serves scripted streams, one per request, and records bodies.
type fakeAgent struct {
	mu      sync.Mutex
	streams []string
	bodies  []orchestrator.RunRequest
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RunRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	idx := len(f.bodies)
	f.bodies = append(f.bodies, req)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	if idx < len(f.streams) {
		_, _ = io.WriteString(w, f.streams[idx])
	}
}

func TestClient_RunInterruptThenResume(t *testing.T) {
	agent := &fakeAgent{streams: []string{
		sse(
			[2]string{"metadata", `{"run_id":"r1"}`},
			[2]string{"custom", `{"type":"tool_start","tool":"delete_file","display":"Delete file"}`},
			[2]string{"updates", `{"agent":{"messages":[{"type":"ai","id":"m1","content":"Deleting now.","usage_metadata":{"input_tokens":1000,"output_tokens":50}}]}}`},
			[2]string{"updates", `{"__interrupt__":[{"id":"int-1","value":{"action_requests":[{"name":"delete_file","args":{"path":"a"}},{"name":"delete_file","args":{"path":"b"}}]}}]}`},
		),
		sse(
			[2]string{"custom", `{"type":"tool_done","tool":"delete_file"}`},
			[2]string{"updates", `{"agent":{"messages":[{"type":"ai","id":"m2","content":"Done.","usage_metadata":{"input_tokens":1500,"output_tokens":20}}]}}`},
			[2]string{"end", `null`},
		),
	}}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	bus := events.NewBus(16)
	defer bus.Close()
	completed, unsub := bus.SubscribeChan(4, events.EventRunCompleted)
	defer unsub()

	rr := &recordingRenderer{}
	api := orchestrator.New(orchestrator.Options{URL: srv.URL})
	c := NewClient(api, Options{ThreadID: "thread-1", UserID: "42", Renderer: rr, Bus: bus})
	ctx := context.Background()

	in, err := c.Run(ctx, "delete a and b")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if in == nil || in.ActionCount != 2 {
		t.Fatalf("interrupt = %+v", in)
	}
	if rr.completions != 0 {
		t.Fatal("completion shown before resume")
	}

	in, err = c.Resume(ctx, in, true)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if in != nil {
		t.Fatalf("unexpected second interrupt: %+v", in)
	}

	if strings.Join(rr.texts, "|") != "Deleting now.|Done." {
		t.Errorf("texts = %v", rr.texts)
	}
	if rr.completions != 1 {
		t.Errorf("completions = %d, want 1", rr.completions)
	}
	if rr.lastUsage.InputTokens != 2500 || rr.lastUsage.OutputTokens != 70 {
		t.Errorf("usage = %+v", rr.lastUsage)
	}
	if len(rr.lastTools) != 1 || rr.lastTools[0].Status != ToolDone {
		t.Errorf("tools = %+v", rr.lastTools)
	}

	first, second := agent.bodies[0], agent.bodies[1]
	if first.IfNotExists != "create" || !first.StreamSubgraphs || strings.Join(first.StreamMode, ",") != "updates,custom" {
		t.Errorf("run request = %+v", first)
	}
	if first.Input == nil || first.Input.Messages[0].Content != "delete a and b" {
		t.Errorf("run input = %+v", first.Input)
	}
	if first.Config == nil || first.Config.Configurable["user_id"] != "42" {
		t.Errorf("run config = %+v", first.Config)
	}
	resume, _ := json.Marshal(second.Command.Resume)
	want := `{"int-1":{"decisions":[{"type":"approve"},{"type":"approve"}]}}`
	if string(resume) != want {
		t.Errorf("resume = %s, want %s", resume, want)
	}
	if second.Input != nil {
		t.Errorf("resume must not send input")
	}

	select {
	case ev := <-completed:
		p, ok := events.ExtractPayload[events.RunCompletedPayload](ev)
		if !ok || p.InputTokens != 2500 || ev.ThreadID != "thread-1" {
			t.Errorf("completed event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Error("no run.completed event")
	}
}

func TestClient_CompletesWithoutEndEvent(t *testing.T) {
	agent := &fakeAgent{streams: []string{
		sse([2]string{"updates", `{"agent":{"messages":[{"type":"ai","id":"m1","content":"Hi"}]}}`}),
	}}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	rr := &recordingRenderer{}
	c := NewClient(orchestrator.New(orchestrator.Options{URL: srv.URL}), Options{ThreadID: "t", Renderer: rr})
	if _, err := c.Run(context.Background(), "hello"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rr.texts) != 1 || rr.completions != 1 {
		t.Errorf("texts=%v completions=%d", rr.texts, rr.completions)
	}
	if agent.bodies[0].Config != nil {
		t.Errorf("config sent without user: %+v", agent.bodies[0].Config)
	}
}

func TestClient_StartFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such assistant", http.StatusNotFound)
	}))
	defer srv.Close()

	rr := &recordingRenderer{}
	c := NewClient(orchestrator.New(orchestrator.Options{URL: srv.URL}), Options{ThreadID: "t", Renderer: rr})
	if _, err := c.Run(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if rr.completions != 0 {
		t.Error("completion shown for failed run")
	}
}
