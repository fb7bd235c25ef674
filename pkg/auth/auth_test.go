package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesEmptyDBWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")

	a, err := Load(path)
	require.NoError(t, err)
	assert.False(t, a.Validate("anything"))

	_, err = os.Stat(path)
	assert.NoError(t, err, "an empty token db file should have been created")
}

func TestLoad_ParsesExistingTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	content := `tokens:
  - token: abc123
    name: alice
    date: "2026-01-01"
    superuser: true
  - token: def456
    name: bob
    superuser: false
    public_read: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	a, err := Load(path)
	require.NoError(t, err)

	assert.True(t, a.Validate("abc123"))
	assert.True(t, a.Validate("def456"))
	assert.False(t, a.Validate("unknown"))

	assert.True(t, a.IsSuperuser("abc123"))
	assert.False(t, a.IsSuperuser("def456"))
	assert.False(t, a.IsSuperuser("unknown"))

	assert.False(t, a.IsPublicRead("abc123"))
	assert.True(t, a.IsPublicRead("def456"))
	assert.False(t, a.IsPublicRead("unknown"))

	info, ok := a.Info("abc123")
	require.True(t, ok)
	assert.Equal(t, "alice", info.Name)

	_, ok = a.Info("unknown")
	assert.False(t, ok)
}
