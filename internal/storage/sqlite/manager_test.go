package sqlite_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/keyring"
	"github.com/relves/mdk/internal/storage/sqlite"
	"github.com/relves/mdk/pkg/nostr"
)

func identity(b byte) nostr.PublicKey {
	var pk nostr.PublicKey
	pk[0] = b
	return pk
}

func TestStoreManager_GetStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)
	defer manager.CloseAll()

	store1, err := manager.GetStore(identity(1))
	require.NoError(t, err)
	require.NotNil(t, store1)

	// Get same store again - should be cached
	store2, err := manager.GetStore(identity(1))
	require.NoError(t, err)
	assert.Same(t, store1, store2)
	assert.Equal(t, manager.DBPath(identity(1)), store1.DBPath())
}

func TestStoreManager_MultipleStores(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)
	defer manager.CloseAll()

	store1, err := manager.GetStore(identity(1))
	require.NoError(t, err)

	store2, err := manager.GetStore(identity(2))
	require.NoError(t, err)

	assert.NotSame(t, store1, store2)
	assert.NotEqual(t, store1.DBPath(), store2.DBPath())
}

func TestStoreManager_Encrypted(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	kr := keyring.NewMemoryStore()
	manager := sqlite.NewStoreManager(tmpDir, sqlite.WithKeyring(kr, "mdk-test"))
	defer manager.CloseAll()

	store, err := manager.GetStore(identity(1))
	require.NoError(t, err)
	assert.True(t, store.Encrypted())

	_, err = kr.Get("mdk-test", identity(1).Hex())
	assert.NoError(t, err)
}

func TestStoreManager_CloseAll(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)

	_, err = manager.GetStore(identity(1))
	require.NoError(t, err)

	_, err = manager.GetStore(identity(2))
	require.NoError(t, err)

	err = manager.CloseAll()
	assert.NoError(t, err)
}
