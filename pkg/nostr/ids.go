package nostr

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"
)

// EventID is the sha256 id of a serialized event.
type EventID [32]byte

// ParseEventID decodes a 64 character hex id.
func ParseEventID(s string) (EventID, error) {
	var id EventID
	if err := decodeFixedHex(s, id[:]); err != nil {
		return EventID{}, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// EventIDFromBytes copies a 32 byte slice into an EventID.
func EventIDFromBytes(b []byte) (EventID, error) {
	var id EventID
	if len(b) != len(id) {
		return EventID{}, fmt.Errorf("event id: expected %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id EventID) Hex() string    { return hex.EncodeToString(id[:]) }
func (id EventID) String() string { return id.Hex() }
func (id EventID) IsZero() bool   { return id == EventID{} }

// Compare orders ids as big-endian unsigned integers.
func (id EventID) Compare(other EventID) int {
	return bytes.Compare(id[:], other[:])
}

func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *EventID) UnmarshalText(text []byte) error {
	parsed, err := ParseEventID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PublicKey is a BIP-340 x-only public key.
type PublicKey [32]byte

// ParsePublicKey decodes a 64 character hex public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	if err := decodeFixedHex(s, pk[:]); err != nil {
		return PublicKey{}, fmt.Errorf("public key: %w", err)
	}
	return pk, nil
}

// PublicKeyFromBytes copies a 32 byte slice into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != len(pk) {
		return PublicKey{}, fmt.Errorf("public key: expected %d bytes, got %d", len(pk), len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) Hex() string    { return hex.EncodeToString(pk[:]) }
func (pk PublicKey) String() string { return pk.Hex() }

func (pk PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(pk[:], other[:])
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.Hex()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Signature is a 64 byte BIP-340 signature.
type Signature [64]byte

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	return decodeFixedHex(string(text), s[:])
}

// Timestamp is a unix time in seconds.
type Timestamp uint64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().Unix())
}

// TimestampFrom converts t to a Timestamp, clamping negative values to zero.
func TimestampFrom(t time.Time) Timestamp {
	if t.Unix() < 0 {
		return 0
	}
	return Timestamp(t.Unix())
}

func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

func decodeFixedHex(s string, dst []byte) error {
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("expected %d hex characters, got %d", hex.EncodedLen(len(dst)), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
