package nostr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/pkg/nostr"
)

func TestEvent_SignAndVerify(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)

	ev := &nostr.Event{
		CreatedAt: 1700000000,
		Kind:      nostr.KindMLSGroupMessage,
		Tags:      nostr.Tags{{"h", "abcd"}, nostr.EncodingTag()},
		Content:   "hello <world> & friends",
	}
	require.NoError(t, keys.Sign(ev))
	assert.Equal(t, keys.PublicKey(), ev.PubKey)
	require.NoError(t, ev.Verify())

	ev.Content = "tampered"
	assert.ErrorIs(t, ev.Verify(), nostr.ErrInvalidID)
}

func TestEvent_VerifyUnsigned(t *testing.T) {
	ev := &nostr.Event{Kind: nostr.KindChatMessage, Content: "rumor"}
	ev.EnsureID()
	assert.ErrorIs(t, ev.Verify(), nostr.ErrMissingSignature)
}

func TestEvent_KeysFromSecretRoundTrip(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)

	again, err := nostr.KeysFromSecret(keys.Secret())
	require.NoError(t, err)
	assert.Equal(t, keys.PublicKey(), again.PublicKey())

	_, err = nostr.KeysFromSecret([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEvent_JSONPreservesID(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)
	ev := &nostr.Event{CreatedAt: 42, Kind: nostr.KindChatMessage, Content: "hi"}
	require.NoError(t, keys.Sign(ev))

	data, err := ev.JSON()
	require.NoError(t, err)
	parsed, err := nostr.ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, parsed.ID)
	require.NoError(t, parsed.Verify())
}

func TestEventID_Compare(t *testing.T) {
	a := nostr.EventID{0x01}
	b := nostr.EventID{0x02}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))

	parsed, err := nostr.ParseEventID(a.Hex())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = nostr.ParseEventID("zz")
	assert.Error(t, err)
}

func TestDecodeContent(t *testing.T) {
	ev := &nostr.Event{
		Tags:    nostr.Tags{nostr.EncodingTag()},
		Content: nostr.EncodeContent([]byte("payload")),
	}
	payload, err := nostr.DecodeContent(ev)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)

	ev.Tags = nil
	_, err = nostr.DecodeContent(ev)
	assert.ErrorIs(t, err, nostr.ErrMissingEncodingTag)

	ev.Tags = nostr.Tags{{"encoding", "hex"}}
	_, err = nostr.DecodeContent(ev)
	assert.ErrorIs(t, err, nostr.ErrUnsupportedEncoding)
}

func TestEvent_SerializeEscaping(t *testing.T) {
	ev := &nostr.Event{
		CreatedAt: 7,
		Kind:      nostr.KindChatMessage,
		Tags:      nostr.Tags{{"t", "a\"b"}, {}},
		Content:   "line\nquote\" back\\ tab\t cr\r bs\b ff\f bell\x01 <&> \u2028\u2029 \u00e9",
	}
	want := `[0,"` + ev.PubKey.Hex() + `",7,9,[["t","a\"b"],[]],` +
		`"line\nquote\" back\\ tab\t cr\r bs\b ff\f bell\u0001 <&> ` + "\u2028\u2029 \u00e9" + `"]`
	assert.Equal(t, want, string(ev.Serialize()))
}

func TestEvent_SerializeKeepsInvalidUTF8(t *testing.T) {
	ev := &nostr.Event{Kind: nostr.KindChatMessage, Content: "a\xffb"}
	assert.Contains(t, string(ev.Serialize()), "\"a\xffb\"")

	empty := &nostr.Event{Kind: nostr.KindChatMessage}
	assert.Equal(t, `[0,"`+empty.PubKey.Hex()+`",0,9,[],""]`, string(empty.Serialize()))
}
