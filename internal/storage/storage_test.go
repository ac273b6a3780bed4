package storage_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/types"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("save group: %w", storage.ErrNoAdmins)

	assert.ErrorIs(t, err, storage.ErrInvalidState)
	assert.ErrorIs(t, err, storage.ErrNoAdmins)
	assert.NotErrorIs(t, err, storage.ErrNoRelays)
	assert.NotErrorIs(t, err, storage.ErrInvalidParameters)
	assert.Equal(t, storage.KindInvalidState, storage.KindOf(err))
}

func TestError_DatabaseUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := storage.Database("save message", cause)

	assert.ErrorIs(t, err, storage.ErrDatabase)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "database error: save message: disk full", err.Error())
}

func TestValidationError(t *testing.T) {
	g := types.Group{Name: strings.Repeat("a", storage.MaxGroupNameLength+1)}
	_, err := storage.ValidateGroup(&g)
	require.Error(t, err)

	var ve *storage.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Group name", ve.Field)
	assert.Equal(t, storage.MaxGroupNameLength, ve.MaxSize)
	assert.Equal(t, storage.MaxGroupNameLength+1, ve.ActualSize)
	assert.ErrorIs(t, err, storage.ErrInvalidParameters)
	assert.Equal(t, "Group name exceeds maximum length of 255 bytes (got 256 bytes)", err.Error())
	assert.Equal(t, storage.KindInvalidParameters, storage.KindOf(err))
}

func TestValidateMessage_Content(t *testing.T) {
	m := types.Message{Content: strings.Repeat("x", storage.MaxMessageContentSize)}
	_, err := storage.ValidateMessage(&m)
	require.NoError(t, err)

	m.Content += "x"
	_, err = storage.ValidateMessage(&m)
	var ve *storage.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Message content", ve.Field)
}

func TestResolvePagination(t *testing.T) {
	limit, offset, order, err := storage.ResolvePagination(nil, types.DefaultMessageLimit, types.MaxMessageLimit)
	require.NoError(t, err)
	assert.Equal(t, 1000, limit)
	assert.Equal(t, 0, offset)
	assert.Equal(t, types.SortCreatedAtFirst, order)

	_, _, _, err = storage.ResolvePagination(types.Page(0, 0), 1000, 10000)
	assert.ErrorIs(t, err, storage.ErrInvalidParameters)

	_, _, _, err = storage.ResolvePagination(types.Page(10001, 0), 1000, 10000)
	assert.ErrorIs(t, err, storage.ErrInvalidParameters)

	limit, _, _, err = storage.ResolvePagination(types.Page(10000, 5), 1000, 10000)
	require.NoError(t, err)
	assert.Equal(t, 10000, limit)

	_, _, _, err = storage.ResolvePagination(types.Page(10, -1), 1000, 10000)
	assert.ErrorIs(t, err, storage.ErrInvalidParameters)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_a\\b`, storage.EscapeLike(`100%_a\b`))
	assert.True(t, storage.ContainsFoldASCII(`["x","ABC"]`, "abc"))
	assert.False(t, storage.ContainsFoldASCII(`["x","abc"]`, "a%c"))
}

func TestGroupLocks_OtherGroupsNotBlocked(t *testing.T) {
	var locks storage.GroupLocks
	unlockA := locks.Lock(types.GroupID("a"))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock(types.GroupID("b"))
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on group b blocked by group a")
	}
}

func TestGroupLocks_SharedReaders(t *testing.T) {
	var locks storage.GroupLocks
	r1 := locks.RLock(types.GroupID("a"))
	r2 := locks.RLock(types.GroupID("a"))
	r1()
	r2()

	unlock := locks.Lock(types.GroupID("a"))
	unlock()
}
