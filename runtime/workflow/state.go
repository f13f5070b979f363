package workflow

import (
	"encoding/json"
	"fmt"
)

// Clone returns a deep copy of the state obtained by a JSON round trip. The
// round trip also normalizes value types to their JSON shapes, so a state
// observed live equals the same state reconstructed from the log.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		// States must be JSON-serializable; a definition that violates this
		// fails loudly on the first clone.
		panic(fmt.Sprintf("workflow state is not JSON-serializable: %v", err))
	}
	var dup State
	if err := json.Unmarshal(raw, &dup); err != nil {
		panic(fmt.Sprintf("workflow state round trip: %v", err))
	}
	if dup == nil {
		dup = State{}
	}
	return dup
}

// EncodeState renders a state for a state:updated payload.
func EncodeState(s State) (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return raw, nil
}

// DecodeState parses a state:updated payload back into a working state.
func DecodeState(raw json.RawMessage) (State, error) {
	if len(raw) == 0 {
		return State{}, nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if s == nil {
		s = State{}
	}
	return s, nil
}
