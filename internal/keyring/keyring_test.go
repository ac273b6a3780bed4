package keyring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetGlobal(t *testing.T) {
	t.Helper()
	mu.Lock()
	global = nil
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		global = nil
		mu.Unlock()
	})
}

func TestInit_OnlyFirstCallTakesEffect(t *testing.T) {
	resetGlobal(t)

	_, err := Default()
	assert.ErrorIs(t, err, ErrNotInitialized)

	first := NewMemoryStore()
	assert.True(t, Init(first))
	assert.False(t, Init(NewMemoryStore()))

	got, err := Default()
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestGetOrCreateKey_Stable(t *testing.T) {
	s := NewMemoryStore()

	_, err := GetKey(s, "svc", "db")
	assert.ErrorIs(t, err, ErrNotFound)

	k1, err := GetOrCreateKey(s, "svc", "db")
	require.NoError(t, err)
	k2, err := GetOrCreateKey(s, "svc", "db")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := GetOrCreateKey(s, "svc", "other")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestGetOrCreateKey_Concurrent(t *testing.T) {
	s := NewMemoryStore()

	var wg sync.WaitGroup
	keys := make([][32]byte, 16)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := GetOrCreateKey(s, "svc", "db")
			assert.NoError(t, err)
			keys[i] = k
		}(i)
	}
	wg.Wait()

	for _, k := range keys[1:] {
		assert.Equal(t, keys[0], k)
	}
}

func TestGetKey_RejectsWrongLength(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set("svc", "db", []byte("short")))

	_, err := GetKey(s, "svc", "db")
	assert.ErrorIs(t, err, ErrInvalidEntry)
}
