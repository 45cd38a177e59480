package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// CHAT EVENTS
// =============================================================================

type IncomingMessagePayload struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func (IncomingMessagePayload) EventType() EventType { return EventIncomingMessage }

// =============================================================================
// RUN EVENTS
// =============================================================================

type RunStartedPayload struct {
	UserID string `json:"user_id"`
	Resume bool   `json:"resume,omitempty"`
}

func (RunStartedPayload) EventType() EventType { return EventRunStarted }

type RunCompletedPayload struct {
	UserID              string   `json:"user_id"`
	Tools               []string `json:"tools,omitempty"`
	InputTokens         int      `json:"input_tokens"`
	OutputTokens        int      `json:"output_tokens"`
	CacheReadTokens     int      `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int      `json:"cache_creation_tokens,omitempty"`
}

func (RunCompletedPayload) EventType() EventType { return EventRunCompleted }

type RunInterruptedPayload struct {
	UserID      string   `json:"user_id"`
	InterruptID string   `json:"interrupt_id,omitempty"`
	Actions     []string `json:"actions,omitempty"`
}

func (RunInterruptedPayload) EventType() EventType { return EventRunInterrupted }

type RunErrorPayload struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

func (RunErrorPayload) EventType() EventType { return EventRunError }

// =============================================================================
// APPROVAL EVENTS
// =============================================================================

type ApprovalRequestedPayload struct {
	Key    string `json:"key"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (ApprovalRequestedPayload) EventType() EventType { return EventApprovalRequested }

type ApprovalResolvedPayload struct {
	Key      string `json:"key"`
	Approved bool   `json:"approved"`
	Outcome  string `json:"outcome"`
}

func (ApprovalResolvedPayload) EventType() EventType { return EventApprovalResolved }

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskScheduledPayload struct {
	UserID      string     `json:"user_id"`
	TaskID      string     `json:"task_id"`
	Title       string     `json:"title"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Schedule    string     `json:"schedule,omitempty"`
}

func (TaskScheduledPayload) EventType() EventType { return EventTaskScheduled }

type TaskUpdatedPayload struct {
	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
	Action string `json:"action"`
	Status string `json:"status"`
}

func (TaskUpdatedPayload) EventType() EventType { return EventTaskUpdated }

type TaskNotifiedPayload struct {
	UserID    string `json:"user_id"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
}

func (TaskNotifiedPayload) EventType() EventType { return EventTaskNotified }

type TaskInterruptPayload struct {
	UserID    string `json:"user_id"`
	TaskID    string `json:"task_id"`
	MessageID string `json:"message_id,omitempty"`
}

func (TaskInterruptPayload) EventType() EventType { return EventTaskInterrupt }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return NewEvent(payload.EventType(), source, toMap(payload))
}

func NewTypedEventWithThread(source EventSource, payload EventPayload, threadID string) Event {
	e := NewTypedEvent(source, payload)
	e.ThreadID = threadID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
