package storage

import (
	"encoding/json"

	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// Byte ceilings enforced before any write.
const (
	MaxMessageContentSize     = 1024 * 1024
	MaxTagsJSONSize           = 100 * 1024
	MaxEventJSONSize          = 100 * 1024
	MaxGroupNameLength        = 255
	MaxGroupDescriptionLength = 2000
	MaxAdminPubkeysJSONSize   = 50 * 1024
	MaxGroupRelaysJSONSize    = 50 * 1024
)

// ValidateSize returns a ValidationError when size exceeds max.
func ValidateSize(field string, size, max int) error {
	if size > max {
		return &ValidationError{Field: field, MaxSize: max, ActualSize: size}
	}
	return nil
}

// ValidateGroup checks the size-bounded fields of g and returns the
// serialized admin list.
func ValidateGroup(g *types.Group) (adminsJSON []byte, err error) {
	if err := ValidateSize("Group name", len(g.Name), MaxGroupNameLength); err != nil {
		return nil, err
	}
	if err := ValidateSize("Group description", len(g.Description), MaxGroupDescriptionLength); err != nil {
		return nil, err
	}
	return encodeValidated("Admin pubkeys JSON", g.AdminPubkeys, MaxAdminPubkeysJSONSize)
}

// ValidatedMessage carries the serialized forms computed during validation.
type ValidatedMessage struct {
	TagsJSON  []byte
	EventJSON []byte
}

// ValidateMessage checks content, tags and event sizes of m.
func ValidateMessage(m *types.Message) (ValidatedMessage, error) {
	if err := ValidateSize("Message content", len(m.Content), MaxMessageContentSize); err != nil {
		return ValidatedMessage{}, err
	}
	tags, err := encodeValidated("Tags JSON", m.Tags, MaxTagsJSONSize)
	if err != nil {
		return ValidatedMessage{}, err
	}
	event, err := encodeValidated("Event JSON", m.Event, MaxEventJSONSize)
	if err != nil {
		return ValidatedMessage{}, err
	}
	return ValidatedMessage{TagsJSON: tags, EventJSON: event}, nil
}

// ValidatedWelcome carries the serialized forms computed during validation.
type ValidatedWelcome struct {
	AdminsJSON []byte
	RelaysJSON []byte
	EventJSON  []byte
}

// ValidateWelcome checks the size-bounded fields of w.
func ValidateWelcome(w *types.Welcome) (ValidatedWelcome, error) {
	if err := ValidateSize("Group name", len(w.GroupName), MaxGroupNameLength); err != nil {
		return ValidatedWelcome{}, err
	}
	if err := ValidateSize("Group description", len(w.GroupDescription), MaxGroupDescriptionLength); err != nil {
		return ValidatedWelcome{}, err
	}
	admins, err := encodeValidated("Admin pubkeys JSON", w.GroupAdminPubkeys, MaxAdminPubkeysJSONSize)
	if err != nil {
		return ValidatedWelcome{}, err
	}
	relays, err := encodeValidated("Group relays JSON", w.GroupRelays, MaxGroupRelaysJSONSize)
	if err != nil {
		return ValidatedWelcome{}, err
	}
	event, err := encodeValidated("Event JSON", w.Event, MaxEventJSONSize)
	if err != nil {
		return ValidatedWelcome{}, err
	}
	return ValidatedWelcome{AdminsJSON: admins, RelaysJSON: relays, EventJSON: event}, nil
}

// ValidateRelays checks the serialized size of a relay set.
func ValidateRelays(relays []string) error {
	_, err := encodeValidated("Group relays JSON", relays, MaxGroupRelaysJSONSize)
	return err
}

func encodeValidated(field string, v any, max int) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, InvalidParameters("serialize %s: %v", field, err)
	}
	if err := ValidateSize(field, len(b), max); err != nil {
		return nil, err
	}
	return b, nil
}

// DecodeAdmins parses an admin list stored by ValidateGroup.
func DecodeAdmins(data []byte) ([]nostr.PublicKey, error) {
	var keys []nostr.PublicKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}
