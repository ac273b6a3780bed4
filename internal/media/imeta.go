package media

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/relves/mdk/pkg/nostr"
)

const imetaTag = "imeta"

// ImetaTag builds the imeta tag announcing u at url.
func (m *Manager) ImetaTag(u *Upload, url string) nostr.Tag {
	return nostr.Tag{
		imetaTag,
		"url " + url,
		"m " + u.MimeType,
		"filename " + u.Filename,
		"x " + hex.EncodeToString(u.OriginalHash[:]),
		"n " + hex.EncodeToString(u.Nonce[:]),
		"v " + SchemeVersion,
	}
}

// ParseImeta decodes an imeta tag into a Reference. Unknown fields are
// ignored; url, m, filename, x, n and v are required.
func ParseImeta(tag nostr.Tag) (*Reference, error) {
	if tag.Key() != imetaTag {
		return nil, fmt.Errorf("%w: not an imeta tag", ErrInvalidImeta)
	}
	if len(tag) < 7 {
		return nil, fmt.Errorf("%w: %d fields", ErrInvalidImeta, len(tag)-1)
	}

	var ref Reference
	var hasHash, hasNonce, hasFilename bool
	for _, item := range tag[1:] {
		key, value, ok := strings.Cut(item, " ")
		if !ok {
			continue
		}
		switch key {
		case "url":
			ref.URL = value
		case "m":
			mt, err := CanonicalMimeType(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidImeta, err)
			}
			ref.MimeType = mt
		case "filename":
			if err := validateFilename(value); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidImeta, err)
			}
			ref.Filename, hasFilename = value, true
		case "x":
			b, err := hex.DecodeString(value)
			if err != nil || len(b) != len(ref.OriginalHash) {
				return nil, fmt.Errorf("%w: bad file hash", ErrInvalidImeta)
			}
			copy(ref.OriginalHash[:], b)
			hasHash = true
		case "n":
			b, err := hex.DecodeString(value)
			if err != nil || len(b) != len(ref.Nonce) {
				return nil, fmt.Errorf("%w: nonce must be 12 bytes of hex", ErrInvalidImeta)
			}
			copy(ref.Nonce[:], b)
			hasNonce = true
		case "dim":
			ref.Dimensions = parseDimensions(value)
		case "v":
			ref.Version = value
		}
	}

	switch {
	case ref.URL == "":
		return nil, fmt.Errorf("%w: missing url", ErrInvalidImeta)
	case ref.MimeType == "":
		return nil, fmt.Errorf("%w: missing m", ErrInvalidImeta)
	case !hasFilename:
		return nil, fmt.Errorf("%w: missing filename", ErrInvalidImeta)
	case !hasHash:
		return nil, fmt.Errorf("%w: missing x", ErrInvalidImeta)
	case ref.Version == "":
		return nil, fmt.Errorf("%w: missing v", ErrInvalidImeta)
	case ref.Version != SchemeVersion:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, ref.Version)
	case !hasNonce:
		return nil, fmt.Errorf("%w: missing n", ErrInvalidImeta)
	}
	return &ref, nil
}

// parseDimensions reads "WxH"; malformed values are dropped.
func parseDimensions(s string) *Dimensions {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return nil
	}
	width, err1 := strconv.ParseUint(w, 10, 32)
	height, err2 := strconv.ParseUint(h, 10, 32)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &Dimensions{Width: uint32(width), Height: uint32(height)}
}
