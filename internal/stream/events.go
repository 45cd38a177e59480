package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dohr-michael/joi/internal/orchestrator"
)

// Event is one decoded run stream event. The set of implementations is closed:
// ToolEvent, NodeUpdate, InterruptEvent, ErrorEvent and EndEvent.
type Event interface {
	kind() string
}

// ToolKind is the lifecycle step reported by a tool event.
type ToolKind string

const (
	ToolStarted  ToolKind = "tool_start"
	ToolFinished ToolKind = "tool_done"
	ToolFailed   ToolKind = "tool_error"
	ToolRetried  ToolKind = "tool_retry"
)

// ToolEvent reports a tool lifecycle step emitted by the graph.
type ToolEvent struct {
	Kind    ToolKind
	Tool    string
	Display string
	Attempt int
	Nested  bool
}

// AIMessage is one assistant message carried by a node update.
type AIMessage struct {
	ID    string
	Text  string
	Usage *TokenUsage
}

// NodeUpdate carries the assistant messages a graph node produced.
type NodeUpdate struct {
	Node      string
	Namespace string
	Messages  []AIMessage
}

// Nested reports whether the update came from a subgraph.
func (n NodeUpdate) Nested() bool { return n.Namespace != "" }

// InterruptEvent is the sentinel listing pending interrupts. An empty list
// means nothing is pending.
type InterruptEvent struct {
	Interrupts []json.RawMessage
	Nested     bool
}

// ErrorEvent is a run-level error reported by the server.
type ErrorEvent struct {
	Message string
}

// EndEvent marks the normal end of a run.
type EndEvent struct{}

func (ToolEvent) kind() string      { return "tool" }
func (NodeUpdate) kind() string     { return "update" }
func (InterruptEvent) kind() string { return "interrupt" }
func (ErrorEvent) kind() string     { return "error" }
func (EndEvent) kind() string       { return "end" }

// Kind returns the metric label for e.
func Kind(e Event) string { return e.kind() }

// ParseFrame decodes one server-sent frame into zero or more events. An
// updates frame yields one event per graph node. Frames this package has no
// use for (metadata, unknown events) decode to nothing.
func ParseFrame(f orchestrator.Frame) ([]Event, error) {
	name, ns, _ := strings.Cut(f.Event, "|")
	switch name {
	case "custom":
		ev, ok, err := parseCustom(f.Data, ns != "")
		if err != nil || !ok {
			return nil, err
		}
		return []Event{ev}, nil
	case "updates":
		return parseUpdates(f.Data, ns)
	case "error":
		return []Event{ErrorEvent{Message: errorText(f.Data)}}, nil
	case "end":
		return []Event{EndEvent{}}, nil
	default:
		return nil, nil
	}
}

type customPayload struct {
	Type    string `json:"type"`
	Tool    string `json:"tool"`
	Display string `json:"display"`
	Attempt int    `json:"attempt"`
}

func parseCustom(data []byte, nested bool) (Event, bool, error) {
	if !isObject(data) {
		return nil, false, nil
	}
	var p customPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("custom event: %w", err)
	}
	switch ToolKind(p.Type) {
	case ToolStarted, ToolFinished, ToolFailed, ToolRetried:
	default:
		return nil, false, nil
	}
	if p.Tool == "" {
		return nil, false, fmt.Errorf("custom event %s: missing tool", p.Type)
	}
	display := p.Display
	if display == "" {
		display = p.Tool
	}
	return ToolEvent{Kind: ToolKind(p.Type), Tool: p.Tool, Display: display, Attempt: p.Attempt, Nested: nested}, true, nil
}

const interruptKey = "__interrupt__"

func parseUpdates(data []byte, ns string) ([]Event, error) {
	if !isObject(data) {
		return nil, nil
	}
	nodes, err := orderedObject(data)
	if err != nil {
		return nil, fmt.Errorf("updates event: %w", err)
	}

	for _, n := range nodes {
		if n.key != interruptKey {
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(n.value, &list); err != nil {
			return nil, fmt.Errorf("interrupt sentinel: %w", err)
		}
		return []Event{InterruptEvent{Interrupts: list, Nested: ns != ""}}, nil
	}

	var out []Event
	for _, n := range nodes {
		if n.key == "__metadata__" || isToolNode(n.key) || !isObject(n.value) {
			continue
		}
		var body struct {
			Messages json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(n.value, &body); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.key, err)
		}
		out = append(out, NodeUpdate{Node: n.key, Namespace: ns, Messages: aiMessages(body.Messages)})
	}
	return out, nil
}

func isToolNode(name string) bool {
	return name == "tools" || strings.HasSuffix(name, ":tools")
}

type rawMessage struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	Content       json.RawMessage `json:"content"`
	UsageMetadata *struct {
		InputTokens       int `json:"input_tokens"`
		OutputTokens      int `json:"output_tokens"`
		InputTokenDetails *struct {
			CacheRead     int `json:"cache_read"`
			CacheCreation int `json:"cache_creation"`
		} `json:"input_token_details"`
	} `json:"usage_metadata"`
}

func aiMessages(raw json.RawMessage) []AIMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []json.RawMessage
	if raw[0] == '{' {
		list = []json.RawMessage{raw}
	} else if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}

	var out []AIMessage
	for _, item := range list {
		var m rawMessage
		if err := json.Unmarshal(item, &m); err != nil {
			continue
		}
		switch m.Type {
		case "ai", "AIMessage", "AIMessageChunk":
		default:
			continue
		}
		msg := AIMessage{ID: m.ID, Text: contentText(m.Content)}
		if um := m.UsageMetadata; um != nil {
			u := TokenUsage{InputTokens: um.InputTokens, OutputTokens: um.OutputTokens}
			if um.InputTokenDetails != nil {
				u.CacheReadTokens = um.InputTokenDetails.CacheRead
				u.CacheCreationTokens = um.InputTokenDetails.CacheCreation
			}
			msg.Usage = &u
		}
		out = append(out, msg)
	}
	return out
}

// contentText flattens string content or a list of content blocks.
func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "")
}

func errorText(data []byte) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && (obj.Error != "" || obj.Message != "") {
		if obj.Error != "" && obj.Message != "" {
			return obj.Error + ": " + obj.Message
		}
		return obj.Error + obj.Message
	}
	return strings.TrimSpace(string(data))
}

func isObject(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '{'
}

type member struct {
	key   string
	value json.RawMessage
}

// orderedObject decodes a JSON object keeping member order.
func orderedObject(data []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var out []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, member{key: key, value: v})
	}
	return out, nil
}
