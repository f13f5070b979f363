package event

import "encoding/json"

// StateAt derives the workflow state after the first n events of a session
// log by locating the last state:updated record among events[0..n-1]. It
// returns ok=false when that prefix carries no state. The result is a pure
// function of the prefix, which is what makes replay deterministic: the log
// is the sole source of truth for "state at position n".
func StateAt(events []*Event, n int) (json.RawMessage, bool) {
	if n > len(events) {
		n = len(events)
	}
	for i := n - 1; i >= 0; i-- {
		if events[i].Name != StateUpdated {
			continue
		}
		var p StateUpdatedPayload
		if err := json.Unmarshal(events[i].Payload, &p); err != nil {
			return nil, false
		}
		return append(json.RawMessage(nil), p.State...), true
	}
	return nil, false
}
