package queue

import (
	"encoding/json"
	"fmt"
)

// Freeze renders a JSON-shaped value into its canonical serialization:
// object keys sorted, array order preserved. Two structurally equal
// values freeze to the same string, which makes the result usable as a
// grouping key where the value itself could not be.
func Freeze(v any) (string, error) {
	// round-trip through generic containers so that struct field
	// order cannot leak into the key; encoding/json emits map keys
	// sorted.
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("freeze: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("freeze: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("freeze: %w", err)
	}
	return string(canonical), nil
}

// Thaw parses a frozen value back into generic JSON containers.
func Thaw(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("thaw: %w", err)
	}
	return v, nil
}
