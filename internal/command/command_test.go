package command_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/command"
	"github.com/relves/mdk/pkg/nostr"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := command.App()
	var out, errOut bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"mdkctl"}, args...))
	return out.String(), err
}

func TestAppCommands(t *testing.T) {
	app := command.App()
	names := map[string]bool{}
	for _, c := range app.Commands {
		names[c.Name] = true
	}
	for _, want := range []string{"groups", "prune", "keyring", "demo"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestDemoRace(t *testing.T) {
	t.Setenv("MDK_LOG__LEVEL", "error")
	out, err := run(t, "demo", "race")
	require.NoError(t, err)

	var report struct {
		Order     []string `json:"order"`
		Rollbacks []struct {
			TargetEpoch            uint64
			NewHeadEvent           nostr.EventID
			MessagesNeedingRefetch []nostr.EventID
		} `json:"rollbacks"`
		Epoch         uint64 `json:"epoch"`
		SecretsAgree  bool   `json:"secrets_agree"`
		SnapshotsHeld int    `json:"snapshots_held"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []string{"bob: commit", "carol: commit"}, report.Order)
	require.Len(t, report.Rollbacks, 1)
	assert.Equal(t, uint64(0), report.Rollbacks[0].TargetEpoch)
	assert.Equal(t, uint64(1), report.Epoch)
	assert.True(t, report.SecretsAgree)
	assert.Equal(t, 1, report.SnapshotsHeld)
}

func TestGroupsAndPruneOnSQLite(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MDK_STORAGE__KEYRING__ENABLED", "false")
	t.Setenv("MDK_LOG__LEVEL", "error")
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)
	identity := keys.PublicKey().Hex()

	out, err := run(t, "--data-dir", dir, "groups", "list", "--identity", identity)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = run(t, "--data-dir", dir, "prune")
	require.NoError(t, err)
	assert.Equal(t, "pruned 0 snapshots across 1 identities\n", out)
}

func TestBadIdentity(t *testing.T) {
	t.Setenv("MDK_STORAGE__KEYRING__ENABLED", "false")
	_, err := run(t, "--data-dir", t.TempDir(), "groups", "list", "--identity", "xyz")
	assert.ErrorContains(t, err, "invalid --identity")
}

func TestMemoryBackendHasNoState(t *testing.T) {
	t.Setenv("MDK_STORAGE__BACKEND", "memory")
	_, err := run(t, "prune")
	assert.ErrorContains(t, err, "memory backend")
}

func TestKeyringDisabled(t *testing.T) {
	t.Setenv("MDK_STORAGE__KEYRING__ENABLED", "false")
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)
	_, err = run(t, "keyring", "status", "--identity", keys.PublicKey().Hex())
	assert.ErrorContains(t, err, "keyring.enabled")
}
