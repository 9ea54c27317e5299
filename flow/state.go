package flow

import (
	"encoding/json"
	"fmt"
)

// DeepCopy creates a deep copy of state S via a JSON round-trip.
//
// This works for any type that marshals losslessly to JSON: primitives,
// exported struct fields, slices, and maps. Unexported fields are not
// copied, and circular references are not supported.
//
// The engine uses it to decouple the state handed back at an interrupt
// from the state it keeps persisting; callers can also use it to snapshot
// context before mutating a copy.
func DeepCopy[S any](state S) (S, error) {
	var zero S

	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return copied, nil
}
