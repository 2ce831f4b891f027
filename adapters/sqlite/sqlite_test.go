package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lborres/tether/core"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestStore_RoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "access-token")
	assert.ErrorIs(t, err, core.ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "access-token", []byte("one")))
	require.NoError(t, s.Set(ctx, "access-token", []byte("two")))

	got, err := s.Get(ctx, "access-token")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	at, err := s.UpdatedAt(ctx, "access-token")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), at, time.Minute)

	require.NoError(t, s.Delete(ctx, "access-token"))
	require.NoError(t, s.Delete(ctx, "access-token"))
	_, err = s.Get(ctx, "access-token")
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
}

func TestStore_EmptyValue(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", nil))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// Requirement: Values survive reopening the database.
func TestStore_PersistsAcrossReopen(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "identity-session", []byte(`{"uid":"u1"}`)))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "identity-session")
	require.NoError(t, err)
	assert.JSONEq(t, `{"uid":"u1"}`, string(got))
}
