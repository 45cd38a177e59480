// Package approval implements the human-in-the-loop protocol: parsing a
// suspended run's interrupt, rendering the confirmation prompt, building the
// resume decision, and the gate that parks a session until the user answers.
package approval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ActionRequest is one tool call awaiting approval.
type ActionRequest struct {
	Name        string         `json:"name"`
	Args        map[string]any `json:"args"`
	Description string         `json:"description"`

	argOrder []string
}

// InterruptData is the parsed head of a run's pending interrupts.
type InterruptData struct {
	InterruptID string          `json:"interrupt_id,omitempty"`
	Actions     []ActionRequest `json:"actions"`
	ActionCount int             `json:"action_count"`
	// Raw is the interrupt exactly as received, kept for persistence.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// FromInterrupts parses the first of a run's pending interrupts. Only the
// head of the list is ever consumed.
func FromInterrupts(interrupts []json.RawMessage) *InterruptData {
	if len(interrupts) == 0 {
		return &InterruptData{ActionCount: 1}
	}
	return FromRaw(interrupts[0])
}

// FromRaw parses one raw interrupt payload. Shapes it does not understand
// produce a generic interrupt with no actions.
func FromRaw(raw json.RawMessage) *InterruptData {
	d := &InterruptData{Raw: append(json.RawMessage(nil), raw...)}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		d.ActionCount = 1
		return d
	}

	if id, ok := obj["id"]; ok {
		var s string
		if json.Unmarshal(id, &s) == nil {
			d.InterruptID = s
		}
	}

	value := raw
	if v, ok := obj["value"]; ok {
		value = v
	}

	var inner struct {
		ActionRequests []json.RawMessage `json:"action_requests"`
	}
	if json.Unmarshal(value, &inner) == nil {
		for _, a := range inner.ActionRequests {
			if req, ok := parseAction(a); ok {
				d.Actions = append(d.Actions, req)
			}
		}
	}

	d.ActionCount = max(len(d.Actions), 1)
	return d
}

func parseAction(raw json.RawMessage) (ActionRequest, bool) {
	var a struct {
		Name        *string         `json:"name"`
		Args        json.RawMessage `json:"args"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return ActionRequest{}, false
	}
	req := ActionRequest{Name: "unknown", Description: a.Description, Args: map[string]any{}}
	if a.Name != nil {
		req.Name = *a.Name
	}
	if len(a.Args) > 0 {
		if err := json.Unmarshal(a.Args, &req.Args); err != nil || req.Args == nil {
			req.Args = map[string]any{}
		}
		req.argOrder = objectKeys(a.Args)
	}
	return req, true
}

// objectKeys returns the keys of a JSON object in document order.
func objectKeys(raw json.RawMessage) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
	}
	return keys
}

// ActionNames lists the names of the requested actions.
func (d *InterruptData) ActionNames() []string {
	names := make([]string, len(d.Actions))
	for i, a := range d.Actions {
		names[i] = a.Name
	}
	return names
}

// FormatText renders the confirmation prompt shown to the user.
func (d *InterruptData) FormatText() string {
	if len(d.Actions) == 0 {
		var id any
		if d.InterruptID != "" {
			id = d.InterruptID
		}
		body, _ := json.MarshalIndent(map[string]any{"interrupt_id": id}, "", "  ")
		return "Confirm action?\n```\n" + string(body) + "\n```"
	}

	var b strings.Builder
	b.WriteString("Confirm:")
	for _, a := range d.Actions {
		b.WriteString("\n- ")
		b.WriteString(a.Label())
	}
	return b.String()
}

// Label is the description when the agent supplied one, else the title-cased
// name with its arguments.
func (a ActionRequest) Label() string {
	if a.Description != "" {
		return a.Description
	}
	keys := a.argOrder
	if len(keys) != len(a.Args) {
		keys = keys[:0:0]
		for k := range a.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, formatArg(a.Args[k])))
	}
	return fmt.Sprintf("%s (%s)", titleCase(strings.ReplaceAll(a.Name, "_", " ")), strings.Join(parts, ", "))
}

func formatArg(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "None"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// Decision is one approve/reject verdict.
type Decision struct {
	Type string `json:"type"`
}

// BuildResumeValue returns the payload that resumes the suspended run:
// ActionCount identical decisions, nested under the interrupt id when known.
func (d *InterruptData) BuildResumeValue(approved bool) map[string]any {
	dec := Decision{Type: "reject"}
	if approved {
		dec.Type = "approve"
	}
	count := max(d.ActionCount, 1)
	decisions := make([]Decision, count)
	for i := range decisions {
		decisions[i] = dec
	}
	resp := map[string]any{"decisions": decisions}
	if d.InterruptID != "" {
		return map[string]any{d.InterruptID: resp}
	}
	return resp
}
