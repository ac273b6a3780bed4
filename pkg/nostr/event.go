// Package nostr holds the subset of the Nostr event model the engine
// exchanges with relays: NIP-01 events, BIP-340 signatures and tag helpers.
package nostr

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind is a Nostr event kind.
type Kind uint16

const (
	KindChatMessage     Kind = 9
	KindReaction        Kind = 7
	KindMLSKeyPackage   Kind = 443
	KindMLSWelcome      Kind = 444
	KindMLSGroupMessage Kind = 445
	KindGiftWrap        Kind = 1059
)

// Tag is a single event tag, e.g. ["h", "<group id hex>"].
type Tag []string

// Key returns the first element of the tag or "".
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the second element of the tag or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered list of tags.
type Tags []Tag

// Find returns the first tag with the given key, or nil.
func (ts Tags) Find(key string) Tag {
	for _, t := range ts {
		if t.Key() == key {
			return t
		}
	}
	return nil
}

// FindAll returns every tag with the given key.
func (ts Tags) FindAll(key string) Tags {
	var out Tags
	for _, t := range ts {
		if t.Key() == key {
			out = append(out, t)
		}
	}
	return out
}

// Clone deep copies the tags.
func (ts Tags) Clone() Tags {
	if ts == nil {
		return nil
	}
	out := make(Tags, len(ts))
	for i, t := range ts {
		out[i] = append(Tag(nil), t...)
	}
	return out
}

// Event is a NIP-01 event. An event without a signature is a rumor.
type Event struct {
	ID        EventID    `json:"id"`
	PubKey    PublicKey  `json:"pubkey"`
	CreatedAt Timestamp  `json:"created_at"`
	Kind      Kind       `json:"kind"`
	Tags      Tags       `json:"tags"`
	Content   string     `json:"content"`
	Sig       *Signature `json:"sig,omitempty"`
}

var (
	ErrInvalidID        = errors.New("event id does not match content")
	ErrMissingSignature = errors.New("event is not signed")
	ErrBadSignature     = errors.New("invalid event signature")
)

// Serialize returns the canonical NIP-01 serialization used for the id.
func (e *Event) Serialize() []byte {
	buf := make([]byte, 0, 128+len(e.Content))
	buf = append(buf, `[0,"`...)
	buf = append(buf, e.PubKey.Hex()...)
	buf = append(buf, `",`...)
	buf = strconv.AppendUint(buf, uint64(e.CreatedAt), 10)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, uint64(e.Kind), 10)
	buf = append(buf, ",["...)
	for i, t := range e.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, v := range t {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, v)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, "],"...)
	buf = appendString(buf, e.Content)
	return append(buf, ']')
}

// appendString quotes s the way NIP-01 ids are computed: the short escapes
// for quote, backslash and \b \f \n \r \t, \u00XX for the remaining
// control bytes, everything else copied byte for byte.
func appendString(buf []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if c < 0x20 {
				buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xF])
				continue
			}
			buf = append(buf, c)
		}
	}
	return append(buf, '"')
}

// ComputeID hashes the canonical serialization.
func (e *Event) ComputeID() EventID {
	return sha256.Sum256(e.Serialize())
}

// EnsureID sets ID from the serialized content. Used for unsigned rumors.
func (e *Event) EnsureID() {
	e.ID = e.ComputeID()
}

// CheckID reports whether ID matches the serialized content.
func (e *Event) CheckID() error {
	if e.ID != e.ComputeID() {
		return ErrInvalidID
	}
	return nil
}

// Clone deep copies the event.
func (e Event) Clone() Event {
	out := e
	out.Tags = e.Tags.Clone()
	if e.Sig != nil {
		sig := *e.Sig
		out.Sig = &sig
	}
	return out
}

// Rumor returns an unsigned copy of the event.
func (e Event) Rumor() Event {
	out := e.Clone()
	out.Sig = nil
	return out
}

// JSON encodes the event.
func (e *Event) JSON() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

// ParseEvent decodes an event from JSON.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}
