// Package extension encodes the Nostr group data GroupContext extension
// carried by every group: the relay-facing group id, display metadata,
// admins, relays and group image encryption parameters.
package extension

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/cryptobyte"

	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// Type is the extension type of the Nostr group data extension.
const Type uint16 = 0xF2EE

// TypeLastResort marks last-resort key packages.
const TypeLastResort uint16 = 0x000A

// CurrentVersion is the layout version written by Encode.
const CurrentVersion uint16 = 2

var (
	ErrInvalidVersion = errors.New("invalid extension version")
	ErrMalformed      = errors.New("malformed group data extension")
	ErrFieldLength    = errors.New("invalid extension field length")
)

// GroupData is the decoded extension.
type GroupData struct {
	Version        uint16
	NostrGroupID   [32]byte
	Name           string
	Description    string
	Admins         []nostr.PublicKey
	Relays         []string
	ImageHash      *[32]byte
	ImageKey       *[32]byte
	ImageNonce     *[12]byte
	ImageUploadKey *[32]byte
}

// FromGroup builds the extension for g with the given relays.
func FromGroup(g *types.Group, relays []string) GroupData {
	return GroupData{
		Version:        CurrentVersion,
		NostrGroupID:   g.NostrGroupID,
		Name:           g.Name,
		Description:    g.Description,
		Admins:         types.SortPublicKeys(g.AdminPubkeys),
		Relays:         sortedUnique(relays),
		ImageHash:      g.ImageHash,
		ImageKey:       g.ImageKey,
		ImageNonce:     g.ImageNonce,
		ImageUploadKey: g.ImageUploadKey,
	}
}

// Apply copies the extension's metadata onto g.
func (d *GroupData) Apply(g *types.Group) {
	g.NostrGroupID = d.NostrGroupID
	g.Name = d.Name
	g.Description = d.Description
	g.AdminPubkeys = types.SortPublicKeys(d.Admins)
	g.ImageHash = d.ImageHash
	g.ImageKey = d.ImageKey
	g.ImageNonce = d.ImageNonce
	g.ImageUploadKey = d.ImageUploadKey
}

// IsAdmin reports whether pk is listed as an admin.
func (d *GroupData) IsAdmin(pk nostr.PublicKey) bool {
	return slices.Contains(d.Admins, pk)
}

// Encode serializes d. Admins and relays are written sorted.
//
//	uint16 version
//	opaque nostr_group_id[32]
//	opaque name<0..2^16-1>
//	opaque description<0..2^16-1>
//	opaque admins<0..2^32-1>      hex pubkeys, each <0..2^16-1>
//	opaque relays<0..2^32-1>      urls, each <0..2^16-1>
//	opaque image_hash<0..255>     empty or 32
//	opaque image_key<0..255>      empty or 32
//	opaque image_nonce<0..255>    empty or 12
//	opaque image_upload_key<0..255> empty or 32
func (d GroupData) Encode() ([]byte, error) {
	version := d.Version
	if version == 0 {
		version = CurrentVersion
	}
	var b cryptobyte.Builder
	b.AddUint16(version)
	b.AddBytes(d.NostrGroupID[:])
	addString16(&b, d.Name)
	addString16(&b, d.Description)
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, pk := range types.SortPublicKeys(d.Admins) {
			addString16(b, pk.Hex())
		}
	})
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, r := range sortedUnique(d.Relays) {
			addString16(b, r)
		}
	})
	addOptional(&b, d.ImageHash)
	addOptional(&b, d.ImageKey)
	addOptional(&b, d.ImageNonce)
	addOptional(&b, d.ImageUploadKey)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode group data: %w", err)
	}
	return out, nil
}

// Decode parses an encoded extension. Versions newer than CurrentVersion
// are accepted; the fields this layout knows are read and the rest ignored.
func Decode(data []byte) (GroupData, error) {
	var d GroupData
	s := cryptobyte.String(data)
	if !s.ReadUint16(&d.Version) {
		return GroupData{}, ErrMalformed
	}
	if d.Version == 0 {
		return GroupData{}, fmt.Errorf("%w: %d", ErrInvalidVersion, d.Version)
	}
	var (
		gid                 []byte
		name, desc          cryptobyte.String
		admins, relays      cryptobyte.String
		hash, key, nonce, u cryptobyte.String
	)
	if !s.ReadBytes(&gid, 32) ||
		!s.ReadUint16LengthPrefixed(&name) ||
		!s.ReadUint16LengthPrefixed(&desc) ||
		!readUint32LengthPrefixed(&s, &admins) ||
		!readUint32LengthPrefixed(&s, &relays) ||
		!s.ReadUint8LengthPrefixed(&hash) ||
		!s.ReadUint8LengthPrefixed(&key) ||
		!s.ReadUint8LengthPrefixed(&nonce) ||
		!s.ReadUint8LengthPrefixed(&u) {
		return GroupData{}, ErrMalformed
	}
	if !s.Empty() && d.Version <= CurrentVersion {
		return GroupData{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(s))
	}
	copy(d.NostrGroupID[:], gid)
	d.Name = string(name)
	d.Description = string(desc)

	for !admins.Empty() {
		var hexKey cryptobyte.String
		if !admins.ReadUint16LengthPrefixed(&hexKey) {
			return GroupData{}, ErrMalformed
		}
		pk, err := nostr.ParsePublicKey(string(hexKey))
		if err != nil {
			return GroupData{}, fmt.Errorf("%w: admin: %v", ErrMalformed, err)
		}
		d.Admins = append(d.Admins, pk)
	}
	d.Admins = types.SortPublicKeys(d.Admins)

	for !relays.Empty() {
		var url cryptobyte.String
		if !relays.ReadUint16LengthPrefixed(&url) {
			return GroupData{}, ErrMalformed
		}
		d.Relays = append(d.Relays, string(url))
	}
	d.Relays = sortedUnique(d.Relays)

	var err error
	if d.ImageHash, err = readOptional[[32]byte]("image hash", hash); err != nil {
		return GroupData{}, err
	}
	if d.ImageKey, err = readOptional[[32]byte]("image key", key); err != nil {
		return GroupData{}, err
	}
	if d.ImageNonce, err = readOptional[[12]byte]("image nonce", nonce); err != nil {
		return GroupData{}, err
	}
	if d.ImageUploadKey, err = readOptional[[32]byte]("image upload key", u); err != nil {
		return GroupData{}, err
	}
	return d, nil
}

// readUint32LengthPrefixed mirrors Builder.AddUint32LengthPrefixed, which
// cryptobyte.String has no reader for.
func readUint32LengthPrefixed(s *cryptobyte.String, out *cryptobyte.String) bool {
	var n uint32
	var body []byte
	if !s.ReadUint32(&n) || !s.ReadBytes(&body, int(n)) {
		return false
	}
	*out = body
	return true
}

func addString16(b *cryptobyte.Builder, s string) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s))
	})
}

type fixed interface{ [32]byte | [12]byte }

func addOptional[T fixed](b *cryptobyte.Builder, v *T) {
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		if v == nil {
			return
		}
		switch a := any(*v).(type) {
		case [32]byte:
			b.AddBytes(a[:])
		case [12]byte:
			b.AddBytes(a[:])
		}
	})
}

func readOptional[T fixed](field string, s cryptobyte.String) (*T, error) {
	if len(s) == 0 {
		return nil, nil
	}
	var v T
	dst := any(&v)
	switch p := dst.(type) {
	case *[32]byte:
		if len(s) != len(p) {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrFieldLength, field, len(s))
		}
		copy(p[:], s)
	case *[12]byte:
		if len(s) != len(p) {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrFieldLength, field, len(s))
		}
		copy(p[:], s)
	}
	return &v, nil
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
