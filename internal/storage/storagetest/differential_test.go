package storagetest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/storage/memory"
	"github.com/relves/mdk/internal/storage/sqlite"
	"github.com/relves/mdk/internal/storage/storagetest"
)

func TestBackendsAgree(t *testing.T) {
	for _, seed := range []uint64{1, 2, 3, 42} {
		tmpDir, err := os.MkdirTemp("", "storagetest-*")
		require.NoError(t, err)
		defer os.RemoveAll(tmpDir)

		clock := storagetest.Clock()
		durable, err := sqlite.Open(filepath.Join(tmpDir, "mdk.db"), sqlite.WithClock(clock))
		require.NoError(t, err)
		defer durable.Close()

		volatile, err := memory.New(memory.WithClock(clock))
		require.NoError(t, err)

		storagetest.Differential(t, durable, volatile, clock, seed, 400)
	}
}
