package identity

import (
	"fmt"
)

// SimID is a deterministic, character-based identity backend used by
// tests and the Lua scripting harness. It shares ID's wire shape (a
// Size-byte array, left-padded with zero) so routing and messaging code
// never need to special-case it.
type SimID = ID

// NewSimID builds a deterministic test identity from a single uppercase
// letter ('A'..'Z'), matching the original simulation backend's range.
func NewSimID(c byte) (SimID, error) {
	var id SimID
	if c < 'A' || c > 'Z' {
		return id, fmt.Errorf("identity: invalid simulation identity byte %q", c)
	}
	id[Size-1] = c
	return id, nil
}

// SimRangeTo generates identities 'A' through end (inclusive).
func SimRangeTo(end byte) ([]SimID, error) {
	if end < 'A' || end > 'Z' {
		return nil, fmt.Errorf("identity: invalid simulation identity byte %q", end)
	}
	out := make([]SimID, 0, end-'A'+1)
	for c := byte('A'); c <= end; c++ {
		id, err := NewSimID(c)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// AsChar returns the underlying letter of a simulation identity, or 0 if
// id was not built by NewSimID.
func AsChar(id SimID) byte {
	for i := 0; i < Size-1; i++ {
		if id[i] != 0 {
			return 0
		}
	}
	return id[Size-1]
}
