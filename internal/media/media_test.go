package media_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/internal/engine"
	"github.com/relves/mdk/internal/media"
	"github.com/relves/mdk/internal/mls"
	"github.com/relves/mdk/internal/storage/memory"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

type member struct {
	keys   *nostr.Keys
	store  *memory.Store
	engine *engine.Engine
	media  *media.Manager
}

func newMember(t *testing.T, clock clockwork.Clock) *member {
	t.Helper()
	store, err := memory.New(memory.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)
	e := engine.New(store, mls.NewRatchet(store), keys, engine.WithClock(clock))
	return &member{keys: keys, store: store, engine: e, media: media.New(e, store)}
}

// twoMemberGroup returns alice (admin) and bob sharing a group at epoch 0.
func twoMemberGroup(t *testing.T) (alice, bob *member, id types.GroupID) {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	alice, bob = newMember(t, clock), newMember(t, clock)

	content, tags, err := bob.engine.CreateKeyPackageForEvent(ctx, bob.keys.PublicKey(), nil)
	require.NoError(t, err)
	kp := &nostr.Event{CreatedAt: 1000, Kind: nostr.KindMLSKeyPackage, Tags: tags, Content: content}
	require.NoError(t, bob.keys.Sign(kp))

	res, err := alice.engine.CreateGroup(ctx, alice.keys.PublicKey(), []*nostr.Event{kp}, engine.GroupConfig{
		Name:   "photos",
		Relays: []string{"wss://relay.example"},
		Admins: []nostr.PublicKey{alice.keys.PublicKey()},
	})
	require.NoError(t, err)
	wrapper, err := crypto.RandomKey()
	require.NoError(t, err)
	w, err := bob.engine.ProcessWelcome(ctx, nostr.EventID(wrapper), &res.WelcomeRumors[0])
	require.NoError(t, err)
	_, err = bob.engine.AcceptWelcome(ctx, w.ID)
	require.NoError(t, err)
	return alice, bob, res.Group.MLSGroupID
}

func deliver(t *testing.T, to *member, ev nostr.Event) {
	t.Helper()
	_, err := to.engine.ProcessMessage(context.Background(), &ev)
	require.NoError(t, err)
}

func TestEncryptAndDecryptAcrossEpochs(t *testing.T) {
	ctx := context.Background()
	alice, bob, id := twoMemberGroup(t)
	photo := []byte("not really a png")

	upload, err := alice.media.Encrypt(ctx, id, photo, "Image/PNG; charset=binary", "cat.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", upload.MimeType)
	assert.Equal(t, uint64(0), upload.Epoch)
	assert.Equal(t, uint64(len(photo)), upload.OriginalSize)
	assert.Equal(t, uint64(len(upload.Ciphertext)), upload.EncryptedSize)
	require.NoError(t, media.VerifyLocator(upload.Locator, upload.Ciphertext))

	url := "https://blossom.example/" + upload.Locator.String()
	tag := alice.media.ImetaTag(upload, url)
	msg, err := alice.engine.CreateMessage(ctx, id, nostr.Event{
		Kind:    nostr.KindChatMessage,
		Content: "look",
		Tags:    nostr.Tags{tag},
	})
	require.NoError(t, err)
	deliver(t, bob, msg)

	// Move both members past the epoch the file was sent in.
	update, err := alice.engine.SelfUpdate(ctx, id)
	require.NoError(t, err)
	require.NoError(t, alice.engine.MergePendingCommit(ctx, id))
	deliver(t, bob, update.EvolutionEvent)
	g, err := bob.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), g.Epoch)

	ref, err := media.ParseImeta(tag)
	require.NoError(t, err)
	assert.Equal(t, url, ref.URL)
	assert.Equal(t, alice.media.Reference(upload, url), *ref)

	got, err := bob.media.Decrypt(ctx, id, upload.Ciphertext, ref)
	require.NoError(t, err)
	assert.Equal(t, photo, got)
}

func TestDecryptFallsBackToCurrentEpoch(t *testing.T) {
	ctx := context.Background()
	alice, bob, id := twoMemberGroup(t)

	// No message references the file, so there is no epoch hint.
	upload, err := alice.media.Encrypt(ctx, id, []byte("notes"), "text/plain", "notes.txt")
	require.NoError(t, err)
	ref := alice.media.Reference(upload, "https://blossom.example/notes")

	got, err := bob.media.Decrypt(ctx, id, upload.Ciphertext, &ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("notes"), got)
}

func TestDecryptRejectsTampering(t *testing.T) {
	ctx := context.Background()
	alice, bob, id := twoMemberGroup(t)
	upload, err := alice.media.Encrypt(ctx, id, []byte("payload"), "application/octet-stream", "blob.bin")
	require.NoError(t, err)

	t.Run("ciphertext", func(t *testing.T) {
		ref := alice.media.Reference(upload, "u")
		bad := append([]byte(nil), upload.Ciphertext...)
		bad[0] ^= 0xff
		_, err := bob.media.Decrypt(ctx, id, bad, &ref)
		assert.ErrorIs(t, err, media.ErrDecrypt)
		assert.ErrorIs(t, media.VerifyLocator(upload.Locator, bad), media.ErrLocatorMismatch)
	})

	t.Run("filename", func(t *testing.T) {
		ref := alice.media.Reference(upload, "u")
		ref.Filename = "other.bin"
		_, err := bob.media.Decrypt(ctx, id, upload.Ciphertext, &ref)
		assert.ErrorIs(t, err, media.ErrDecrypt)
	})

	t.Run("version", func(t *testing.T) {
		ref := alice.media.Reference(upload, "u")
		ref.Version = "mip04-v1"
		_, err := bob.media.Decrypt(ctx, id, upload.Ciphertext, &ref)
		assert.ErrorIs(t, err, media.ErrUnsupportedVersion)
	})
}

func TestEncryptValidation(t *testing.T) {
	ctx := context.Background()
	alice, _, id := twoMemberGroup(t)
	small := media.New(alice.engine, alice.store, media.WithMaxFileSize(4))

	_, err := small.Encrypt(ctx, id, []byte("too big"), "text/plain", "a.txt")
	assert.ErrorIs(t, err, media.ErrFileTooLarge)
	_, err = alice.media.Encrypt(ctx, id, []byte("x"), "application/x-msdownload", "a.exe")
	assert.ErrorIs(t, err, media.ErrInvalidMimeType)
	_, err = alice.media.Encrypt(ctx, id, []byte("x"), "text/plain", "../a.txt")
	assert.ErrorIs(t, err, media.ErrInvalidFilename)
	_, err = alice.media.Encrypt(ctx, id, []byte("x"), "text/plain", "")
	assert.ErrorIs(t, err, media.ErrInvalidFilename)
}

func TestParseImeta(t *testing.T) {
	valid := nostr.Tag{
		"imeta",
		"url https://blossom.example/abc",
		"m image/jpeg",
		"filename a.jpg",
		"dim 640x480",
		"x " + "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff",
		"n 00112233445566778899aabb",
		"v mip04-v2",
	}
	ref, err := media.ParseImeta(valid)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ref.MimeType)
	assert.Equal(t, &media.Dimensions{Width: 640, Height: 480}, ref.Dimensions)
	assert.Equal(t, byte(0x11), ref.OriginalHash[0])
	assert.Equal(t, byte(0xbb), ref.Nonce[11])

	without := func(prefix string) nostr.Tag {
		out := nostr.Tag{}
		for _, v := range valid {
			if len(v) < len(prefix) || v[:len(prefix)] != prefix {
				out = append(out, v)
			}
		}
		return append(out, "extra field")
	}
	replace := func(prefix, value string) nostr.Tag {
		out := without(prefix)
		return append(out, value)
	}

	tests := map[string]struct {
		tag  nostr.Tag
		want error
	}{
		"wrong key":       {append(nostr.Tag{"t"}, valid[1:]...), media.ErrInvalidImeta},
		"too short":       {valid[:4], media.ErrInvalidImeta},
		"missing url":     {without("url "), media.ErrInvalidImeta},
		"missing nonce":   {without("n "), media.ErrInvalidImeta},
		"bad nonce":       {replace("n ", "n 0011"), media.ErrInvalidImeta},
		"bad hash":        {replace("x ", "x zz"), media.ErrInvalidImeta},
		"bad mime":        {replace("m ", "m nope"), media.ErrInvalidImeta},
		"bad filename":    {replace("filename ", "filename a/b"), media.ErrInvalidImeta},
		"unknown version": {replace("v ", "v mip04-v9"), media.ErrUnsupportedVersion},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := media.ParseImeta(tt.tag)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLocator(t *testing.T) {
	c, err := media.Locator([]byte("blob"))
	require.NoError(t, err)
	parsed, err := media.ParseLocator(c.String())
	require.NoError(t, err)
	assert.True(t, c.Equals(parsed))
	require.NoError(t, media.VerifyLocator(parsed, []byte("blob")))

	_, err = media.ParseLocator("not a cid")
	assert.ErrorIs(t, err, media.ErrInvalidLocator)
}

func TestCanonicalMimeType(t *testing.T) {
	got, err := media.CanonicalMimeType("  VIDEO/MP4 ")
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", got)
	got, err = media.CanonicalMimeType("application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", got)
	_, err = media.CanonicalMimeType("plain")
	assert.ErrorIs(t, err, media.ErrInvalidMimeType)
}
