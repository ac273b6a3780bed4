package extension_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/extension"
	"github.com/relves/mdk/pkg/nostr"
)

func sample() extension.GroupData {
	hash := [32]byte{1}
	key := [32]byte{2}
	nonce := [12]byte{3}
	return extension.GroupData{
		Version:      extension.CurrentVersion,
		NostrGroupID: [32]byte{0xAB},
		Name:         "friends",
		Description:  "weekend plans",
		Admins:       []nostr.PublicKey{{2}, {1}, {2}},
		Relays:       []string{"wss://b.example", "wss://a.example"},
		ImageHash:    &hash,
		ImageKey:     &key,
		ImageNonce:   &nonce,
	}
}

func TestEncodeDecode(t *testing.T) {
	in := sample()
	data, err := in.Encode()
	require.NoError(t, err)
	assert.Equal(t, extension.CurrentVersion, binary.BigEndian.Uint16(data[:2]))

	out, err := extension.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.NostrGroupID, out.NostrGroupID)
	assert.Equal(t, "friends", out.Name)
	assert.Equal(t, []nostr.PublicKey{{1}, {2}}, out.Admins)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, out.Relays)
	assert.Equal(t, in.ImageHash, out.ImageHash)
	assert.Equal(t, in.ImageNonce, out.ImageNonce)
	assert.Nil(t, out.ImageUploadKey)
	assert.True(t, out.IsAdmin(nostr.PublicKey{2}))
}

func TestDecode_Rejects(t *testing.T) {
	data, err := sample().Encode()
	require.NoError(t, err)

	_, err = extension.Decode(data[:10])
	assert.ErrorIs(t, err, extension.ErrMalformed)

	zero := append([]byte{0, 0}, data[2:]...)
	_, err = extension.Decode(zero)
	assert.ErrorIs(t, err, extension.ErrInvalidVersion)

	_, err = extension.Decode(append(data, 0xFF))
	assert.ErrorIs(t, err, extension.ErrMalformed)
}

func TestDecode_FutureVersionIgnoresTrailingFields(t *testing.T) {
	data, err := sample().Encode()
	require.NoError(t, err)
	future := append([]byte{0, 3}, data[2:]...)
	future = append(future, 0x01, 0x02)

	out, err := extension.Decode(future)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), out.Version)
	assert.Equal(t, "friends", out.Name)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, []uint16{0x000A, 0xF2EE}, extension.Capabilities())
	assert.Equal(t, []uint16{0xF2EE}, extension.MustRequiredCapabilities())
	assert.Error(t, extension.CheckRequired([]uint16{0x000A}, extension.RequiredCapabilities()))
	assert.Equal(t, []string{"0x000a", "0xf2ee"}, extension.TagValues(extension.Capabilities()))
}
