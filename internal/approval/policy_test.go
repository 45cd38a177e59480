package approval

import (
	"encoding/json"
	"testing"
)

func TestPolicy_Allows(t *testing.T) {
	p := NewPolicy([]string{"search_*", "get_weather", "[bad"})

	search := FromRaw(json.RawMessage(`{"value": {"action_requests": [{"name": "search_movies"}, {"name": "get_weather"}]}}`))
	if !p.Allows("th", search) {
		t.Error("all actions match, should be allowed")
	}

	mixed := FromRaw(json.RawMessage(`{"value": {"action_requests": [{"name": "search_movies"}, {"name": "delete_file"}]}}`))
	if p.Allows("th", mixed) {
		t.Error("delete_file does not match any pattern")
	}

	generic := FromRaw(json.RawMessage(`{"id": "x"}`))
	p.AcceptAll("th")
	if p.Allows("th", generic) {
		t.Error("generic interrupt must always ask")
	}
	if !p.Allows("th", mixed) {
		t.Error("accept-all thread should allow everything with actions")
	}
	if p.Allows("other", mixed) {
		t.Error("accept-all must not leak to other threads")
	}

	p.Forget("th")
	p.SetPatterns(nil)
	if p.Allows("th", search) {
		t.Error("patterns cleared, nothing should be allowed")
	}

	var nilPolicy *Policy
	if nilPolicy.Allows("th", search) {
		t.Error("nil policy allows nothing")
	}
}
