package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lborres/tether/core"
)

func TestStore_PlaintextRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "session.json")

	s, err := Open(path)
	require.NoError(t, err)

	_, err = s.Get(ctx, "access-token")
	assert.ErrorIs(t, err, core.ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "access-token", []byte("tok-1")))
	got, err := s.Get(ctx, "access-token")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())

	require.NoError(t, s.Delete(ctx, "access-token"))
	require.NoError(t, s.Delete(ctx, "access-token"))
	_, err = s.Get(ctx, "access-token")
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
}

// Requirement: Sealed files do not contain the token and need the identity to open.
func TestStore_AgeSealed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.age")
	identity, err := LoadOrCreateIdentity(filepath.Join(dir, "identity.txt"))
	require.NoError(t, err)

	s, err := Open(path, WithAgeIdentity(identity))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "access-token", []byte("super-secret-token")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-token")

	reopened, err := Open(path, WithAgeIdentity(identity))
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "access-token")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-token", string(got))

	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	_, err = Open(path, WithAgeIdentity(other))
	assert.Error(t, err, "opening with the wrong identity must fail")
}

func TestLoadOrCreateIdentity_Stable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.txt")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	assert.Equal(t, first.String(), second.String())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "AGE-SECRET-KEY-1"))
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Open(path)
	assert.Error(t, err)
}
