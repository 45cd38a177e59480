package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

type recordingRenderer struct {
	mu          sync.Mutex
	texts       []string
	statuses    []string
	errors      []string
	completions int
	lastTools   []*ToolState
	lastUsage   TokenUsage
}

func (r *recordingRenderer) SendText(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingRenderer) UpdateStatus(_ context.Context, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *recordingRenderer) ShowError(_ context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
	return nil
}

func (r *recordingRenderer) ShowCompletion(_ context.Context, tools []*ToolState, usage TokenUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions++
	r.lastTools = tools
	r.lastUsage = usage
	return nil
}

func (r *recordingRenderer) lastStatus() string {
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func tool(kind ToolKind, name string) ToolEvent {
	return ToolEvent{Kind: kind, Tool: name, Display: name}
}

func TestReducer_LastStatusEventWins(t *testing.T) {
	tests := []struct {
		name   string
		events []ToolEvent
		want   ToolStatus
	}{
		{"done", []ToolEvent{tool(ToolStarted, "search"), tool(ToolFinished, "search")}, ToolDone},
		{"error", []ToolEvent{tool(ToolStarted, "search"), tool(ToolFailed, "search")}, ToolError},
		{"retry then done", []ToolEvent{tool(ToolStarted, "search"), {Kind: ToolRetried, Tool: "search", Attempt: 2}, tool(ToolFinished, "search")}, ToolDone},
		{"done then error", []ToolEvent{tool(ToolStarted, "search"), tool(ToolFinished, "search"), tool(ToolFailed, "search")}, ToolError},
		{"error then retry", []ToolEvent{tool(ToolStarted, "search"), tool(ToolFailed, "search"), {Kind: ToolRetried, Tool: "search", Attempt: 1}}, ToolRetry},
		{"retry then error", []ToolEvent{tool(ToolStarted, "search"), {Kind: ToolRetried, Tool: "search", Attempt: 3}, tool(ToolFailed, "search")}, ToolError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReducer(&recordingRenderer{})
			for _, ev := range tt.events {
				r.Apply(context.Background(), ev)
			}
			if got := r.Tools()[0].Status; got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReducer_RepeatedToolFlipsMostRecentRunning(t *testing.T) {
	r := NewReducer(&recordingRenderer{})
	ctx := context.Background()
	r.Apply(ctx, tool(ToolStarted, "fetch"))
	r.Apply(ctx, tool(ToolStarted, "fetch"))
	r.Apply(ctx, tool(ToolFinished, "fetch"))

	tools := r.Tools()
	if tools[0].Status != ToolRunning || tools[1].Status != ToolDone {
		t.Errorf("statuses = %s, %s; want running, done", tools[0].Status, tools[1].Status)
	}
	r.Apply(ctx, tool(ToolFailed, "fetch"))
	if tools[0].Status != ToolError {
		t.Errorf("first fetch = %s, want error", tools[0].Status)
	}
}

func TestReducer_NestedToolsBecomeChildren(t *testing.T) {
	rr := &recordingRenderer{}
	r := NewReducer(rr)
	ctx := context.Background()

	r.Apply(ctx, tool(ToolStarted, "delegate"))
	r.Apply(ctx, ToolEvent{Kind: ToolStarted, Tool: "search", Display: "search", Nested: true})
	r.Apply(ctx, ToolEvent{Kind: ToolStarted, Tool: "download", Display: "download", Nested: true})
	r.Apply(ctx, ToolEvent{Kind: ToolFinished, Tool: "search", Nested: true})

	if len(r.Tools()) != 1 {
		t.Fatalf("top-level tools = %d, want 1", len(r.Tools()))
	}
	parent := r.Tools()[0]
	if len(parent.Children) != 2 || !parent.Children[0].IsChild {
		t.Fatalf("children = %+v", parent.Children)
	}
	want := "running delegate > done search, running download"
	if got := rr.lastStatus(); got != want {
		t.Errorf("status = %q, want %q", got, want)
	}

	r.Apply(ctx, tool(ToolFinished, "delegate"))
	r.Apply(ctx, ToolEvent{Kind: ToolStarted, Tool: "orphan", Display: "orphan", Nested: true})
	if len(r.Tools()) != 2 || r.Tools()[1].IsChild {
		t.Errorf("nested tool without a running parent should be top level: %+v", r.Tools())
	}
}

func TestFormatStatus(t *testing.T) {
	if got := FormatStatus(nil); got != "Processing..." {
		t.Errorf("empty = %q", got)
	}
	tools := []*ToolState{
		{Name: "a", Display: "Search", Status: ToolDone},
		{Name: "b", Display: "Fetch", Status: ToolRetry, RetryCount: 2},
		{Name: "c", Display: "Write", Status: ToolRunning},
	}
	want := "done Search -> retry #2 Fetch -> running Write"
	if got := FormatStatus(tools); got != want {
		t.Errorf("status = %q, want %q", got, want)
	}
}

func TestTokenUsage(t *testing.T) {
	parts := []TokenUsage{
		{InputTokens: 1200, OutputTokens: 300},
		{InputTokens: 50, OutputTokens: 7, CacheReadTokens: 40},
		{InputTokens: 3, OutputTokens: 900, CacheCreationTokens: 11},
	}
	var forward, backward TokenUsage
	for _, p := range parts {
		forward.Add(p)
	}
	for i := len(parts) - 1; i >= 0; i-- {
		backward.Add(parts[i])
	}
	if forward != backward {
		t.Errorf("order changed totals: %+v vs %+v", forward, backward)
	}
	var grouped, tail TokenUsage
	tail.Add(parts[1])
	tail.Add(parts[2])
	grouped.Add(parts[0])
	grouped.Add(tail)
	if grouped != forward {
		t.Errorf("grouping changed totals: %+v vs %+v", grouped, forward)
	}
	if forward.Total() != forward.InputTokens+forward.OutputTokens {
		t.Errorf("total = %d", forward.Total())
	}
	if got := forward.Format(); got != "1.3k in / 1.2k out" {
		t.Errorf("format = %q", got)
	}
	if got := (TokenUsage{InputTokens: 999, OutputTokens: 300}).Format(); got != "999 in / 300 out" {
		t.Errorf("format = %q", got)
	}
}

func aiUpdate(node, ns string, msgs ...AIMessage) NodeUpdate {
	return NodeUpdate{Node: node, Namespace: ns, Messages: msgs}
}

func TestReducer_TextFlushedOnNodeChange(t *testing.T) {
	rr := &recordingRenderer{}
	r := NewReducer(rr)
	ctx := context.Background()

	r.Apply(ctx, aiUpdate("agent", "", AIMessage{ID: "1", Text: "first"}))
	r.Apply(ctx, aiUpdate("agent", "", AIMessage{ID: "2", Text: "second"}))
	if len(rr.texts) != 0 {
		t.Fatalf("text sent before node change: %v", rr.texts)
	}
	r.Apply(ctx, aiUpdate("summarizer", "", AIMessage{ID: "3", Text: "third"}))
	if strings.Join(rr.texts, ",") != "first,second" {
		t.Fatalf("texts after node change = %v", rr.texts)
	}
	r.Apply(ctx, aiUpdate("agent", "", AIMessage{ID: "1", Text: "first"}))
	r.Apply(ctx, EndEvent{})
	if strings.Join(rr.texts, ",") != "first,second,third" {
		t.Errorf("texts = %v", rr.texts)
	}
	if rr.completions != 1 {
		t.Errorf("completions = %d", rr.completions)
	}
	r.Complete(ctx)
	if rr.completions != 1 {
		t.Errorf("completion shown twice")
	}
}

func TestReducer_UsageCountedOncePerMessage(t *testing.T) {
	r := NewReducer(&recordingRenderer{})
	ctx := context.Background()
	u := &TokenUsage{InputTokens: 100, OutputTokens: 10, CacheReadTokens: 80}

	r.Apply(ctx, aiUpdate("agent", "media:abc", AIMessage{ID: "m1", Text: "hi", Usage: u}))
	r.Apply(ctx, aiUpdate("delegate", "", AIMessage{ID: "m1", Text: "hi", Usage: u}))
	r.Apply(ctx, aiUpdate("agent", "", AIMessage{ID: "m2", Usage: &TokenUsage{InputTokens: 5, OutputTokens: 1}}))

	want := TokenUsage{InputTokens: 105, OutputTokens: 11, CacheReadTokens: 80}
	if got := r.Usage(); got != want {
		t.Errorf("usage = %+v, want %+v", got, want)
	}
}

func TestReducer_MessagesWithoutIDAreNeverMerged(t *testing.T) {
	rr := &recordingRenderer{}
	r := NewReducer(rr)
	ctx := context.Background()

	r.Apply(ctx, aiUpdate("agent", "", AIMessage{Text: "OK", Usage: &TokenUsage{InputTokens: 10, OutputTokens: 1}}))
	r.Apply(ctx, tool(ToolStarted, "search"))
	r.Apply(ctx, tool(ToolFinished, "search"))
	r.Apply(ctx, aiUpdate("other", "", AIMessage{Text: "OK", Usage: &TokenUsage{InputTokens: 20, OutputTokens: 1}}))
	r.Apply(ctx, aiUpdate("agent", "", AIMessage{Usage: &TokenUsage{InputTokens: 100, OutputTokens: 5}}))
	r.Apply(ctx, aiUpdate("agent", "", AIMessage{Usage: &TokenUsage{InputTokens: 200, OutputTokens: 7}}))
	r.Apply(ctx, EndEvent{})

	if strings.Join(rr.texts, ",") != "OK,OK" {
		t.Errorf("texts = %v", rr.texts)
	}
	want := TokenUsage{InputTokens: 330, OutputTokens: 14}
	if got := r.Usage(); got != want {
		t.Errorf("usage = %+v, want %+v", got, want)
	}
}

func TestReducer_Interrupt(t *testing.T) {
	rr := &recordingRenderer{}
	r := NewReducer(rr)
	ctx := context.Background()

	if in := r.Apply(ctx, InterruptEvent{}); in != nil {
		t.Fatal("empty interrupt list must be a no-op")
	}

	r.Apply(ctx, tool(ToolStarted, "delete_file"))
	r.Apply(ctx, aiUpdate("agent", "", AIMessage{ID: "1", Text: "About to delete."}))
	raw := json.RawMessage(`{"id":"int-1","value":{"action_requests":[{"name":"delete_file","args":{"path":"/tmp/x"}},{"name":"send_email","args":{}}]}}`)
	in := r.Apply(ctx, InterruptEvent{Interrupts: []json.RawMessage{raw}})
	if in == nil {
		t.Fatal("expected interrupt")
	}
	if in.InterruptID != "int-1" || in.ActionCount != 2 {
		t.Errorf("interrupt = %+v", in)
	}
	if len(rr.texts) != 1 || rr.texts[0] != "About to delete." {
		t.Errorf("text not flushed before interrupt: %v", rr.texts)
	}
	if got := rr.lastStatus(); got != "running delete_file PAUSED" {
		t.Errorf("status = %q", got)
	}
	if rr.completions != 0 {
		t.Errorf("completion shown on interrupt")
	}
}

func TestReducer_ErrorKeepsEmittedText(t *testing.T) {
	rr := &recordingRenderer{}
	r := NewReducer(rr)
	ctx := context.Background()

	r.Apply(ctx, aiUpdate("agent", "", AIMessage{ID: "1", Text: "partial answer"}))
	r.Apply(ctx, ErrorEvent{Message: "model overloaded"})
	r.Apply(ctx, EndEvent{})

	if len(rr.texts) != 1 || len(rr.errors) != 1 || rr.errors[0] != "Error: model overloaded" {
		t.Errorf("texts=%v errors=%v", rr.texts, rr.errors)
	}
}

func TestParseFrame(t *testing.T) {
	frame := func(ev, data string) []Event {
		t.Helper()
		evs, err := ParseFrame(orchestratorFrame(ev, data))
		if err != nil {
			t.Fatalf("ParseFrame(%s): %v", ev, err)
		}
		return evs
	}

	evs := frame("custom|media:1", `{"type":"tool_retry","tool":"search","attempt":2}`)
	te, ok := evs[0].(ToolEvent)
	if !ok || !te.Nested || te.Attempt != 2 || te.Display != "search" {
		t.Errorf("custom = %+v", evs)
	}

	evs = frame("updates", `{"agent":{"messages":[{"type":"ai","id":"a1","content":[{"type":"text","text":"Hel"},{"type":"tool_use"},{"type":"text","text":"lo"}],"usage_metadata":{"input_tokens":10,"output_tokens":2,"input_token_details":{"cache_read":4}}}]},"tools":{"messages":[]},"__metadata__":{}}`)
	if len(evs) != 1 {
		t.Fatalf("updates events = %d, want 1", len(evs))
	}
	nu := evs[0].(NodeUpdate)
	if nu.Node != "agent" || nu.Nested() || len(nu.Messages) != 1 {
		t.Fatalf("node update = %+v", nu)
	}
	m := nu.Messages[0]
	if m.Text != "Hello" || m.Usage == nil || m.Usage.CacheReadTokens != 4 {
		t.Errorf("message = %+v", m)
	}

	evs = frame("updates|sub:2", `{"__interrupt__":[{"id":"x","value":{}}]}`)
	if ie, ok := evs[0].(InterruptEvent); !ok || !ie.Nested || len(ie.Interrupts) != 1 {
		t.Errorf("interrupt = %+v", evs)
	}

	evs = frame("error", `{"error":"RateLimit","message":"slow down"}`)
	if ee := evs[0].(ErrorEvent); ee.Message != "RateLimit: slow down" {
		t.Errorf("error = %+v", ee)
	}

	if evs := frame("metadata", `{"run_id":"r"}`); len(evs) != 0 {
		t.Errorf("metadata should be skipped: %+v", evs)
	}
	if evs := frame("custom", `"not an object"`); len(evs) != 0 {
		t.Errorf("non-object custom should be skipped: %+v", evs)
	}
	if _, err := ParseFrame(orchestratorFrame("updates", `{"agent":`)); err == nil {
		t.Error("truncated update should fail to parse")
	}
}

func TestToolStateFormat(t *testing.T) {
	ts := &ToolState{Display: "Search", Status: ToolRetry, RetryCount: 3}
	if got := ts.Format(); got != "retry #3 Search" {
		t.Errorf("format = %q", got)
	}
	ts = &ToolState{Display: "Plan", Status: ToolDone, Children: []*ToolState{{Display: "a", Status: ToolDone}, {Display: "b", Status: ToolError}}}
	if got := ts.Format(); got != "done Plan > done a, error b" {
		t.Errorf("format = %q", got)
	}
}
