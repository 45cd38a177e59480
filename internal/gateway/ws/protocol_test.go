package ws

import (
	"encoding/json"
	"testing"
)

func TestNewRequestFrame(t *testing.T) {
	f, err := NewRequestFrame("req-1", MethodCancelTask, map[string]string{"task_id": "abc"})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	if f.Type != FrameTypeRequest || f.Method != "cancel_task" {
		t.Fatalf("got %+v", f)
	}
	var p map[string]string
	if err := json.Unmarshal(f.Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if p["task_id"] != "abc" {
		t.Fatalf("expected params.task_id %q, got %q", "abc", p["task_id"])
	}

	bare, _ := NewRequestFrame("req-2", MethodListTasks, nil)
	if bare.Params != nil {
		t.Fatalf("expected no params, got %s", bare.Params)
	}
}

func TestNewEventFrame(t *testing.T) {
	f, err := NewEventFrame("task.updated", "thread-42", map[string]string{"task_id": "t1"})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if f.Type != FrameTypeEvent {
		t.Fatalf("expected type %q, got %q", FrameTypeEvent, f.Type)
	}
	if f.Event != "task.updated" {
		t.Fatalf("expected event %q, got %q", "task.updated", f.Event)
	}
	if f.ThreadID != "thread-42" {
		t.Fatalf("expected thread_id %q, got %q", "thread-42", f.ThreadID)
	}

	var p map[string]string
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p["task_id"] != "t1" {
		t.Fatalf("expected payload.task_id %q, got %q", "t1", p["task_id"])
	}
}

func TestNewResponseFrame_OK(t *testing.T) {
	f, err := NewResponseFrame("req-5", true, map[string]string{"status": "done"}, "")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.Type != FrameTypeResponse {
		t.Fatalf("expected type %q, got %q", FrameTypeResponse, f.Type)
	}
	if f.ID != "req-5" {
		t.Fatalf("expected id %q, got %q", "req-5", f.ID)
	}
	if f.OK == nil || !*f.OK {
		t.Fatal("expected ok=true")
	}
	if f.Error != "" {
		t.Fatalf("expected no error, got %q", f.Error)
	}
}

func TestNewResponseFrame_Error(t *testing.T) {
	f, err := NewResponseFrame("req-6", false, nil, "something went wrong")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.OK == nil || *f.OK {
		t.Fatal("expected ok=false")
	}
	if f.Error != "something went wrong" {
		t.Fatalf("expected error %q, got %q", "something went wrong", f.Error)
	}
	if f.Payload != nil {
		t.Fatalf("expected nil payload, got %s", string(f.Payload))
	}
}

func TestUnmarshalFrame_Invalid(t *testing.T) {
	if _, err := UnmarshalFrame([]byte("{not json")); err == nil {
		t.Fatal("expected error")
	}
}
