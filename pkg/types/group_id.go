// pkg/types/group_id.go
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// GroupID is an opaque MLS group identifier.
type GroupID []byte

// ParseGroupID decodes a hex group id.
func ParseGroupID(s string) (GroupID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("group id: %w", err)
	}
	return GroupID(b), nil
}

func (g GroupID) Hex() string    { return hex.EncodeToString(g) }
func (g GroupID) String() string { return g.Hex() }

// Key returns a string usable as a map key.
func (g GroupID) Key() string { return string(g) }

func (g GroupID) Equal(other GroupID) bool { return bytes.Equal(g, other) }

func (g GroupID) Clone() GroupID {
	if g == nil {
		return nil
	}
	return append(GroupID(nil), g...)
}

func (g GroupID) MarshalText() ([]byte, error) {
	return []byte(g.Hex()), nil
}

func (g *GroupID) UnmarshalText(text []byte) error {
	parsed, err := ParseGroupID(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
