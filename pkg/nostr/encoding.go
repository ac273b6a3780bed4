package nostr

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// EncodingBase64 is the only content encoding accepted on MLS payloads.
const EncodingBase64 = "base64"

var (
	ErrMissingEncodingTag  = errors.New("missing encoding tag")
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
)

// EncodingTag returns ["encoding","base64"].
func EncodingTag() Tag {
	return Tag{"encoding", EncodingBase64}
}

// EncodeContent base64 encodes an MLS payload for an event's content.
func EncodeContent(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// DecodeContent validates the encoding tag of e and decodes its content.
// A missing tag or an unknown encoding is rejected rather than defaulted.
func DecodeContent(e *Event) ([]byte, error) {
	tag := e.Tags.Find("encoding")
	if tag == nil {
		return nil, ErrMissingEncodingTag
	}
	if tag.Value() != EncodingBase64 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, tag.Value())
	}
	payload, err := base64.StdEncoding.DecodeString(e.Content)
	if err != nil {
		return nil, fmt.Errorf("decode base64 content: %w", err)
	}
	return payload, nil
}
