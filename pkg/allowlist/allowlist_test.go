package allowlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(`["R1", "R2", "", "R1"]`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("R1"))
	assert.True(t, s.Contains("R2"))
	assert.False(t, s.Contains(""))
	assert.False(t, s.Contains("r1"))
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
	require.NotNil(t, s)
	assert.Zero(t, s.Len())
	assert.False(t, s.Contains("R1"))
}

func TestLoadMalformedIsEmpty(t *testing.T) {
	for _, body := range []string{`{"R1":true}`, `["R1", 7]`, `not json`} {
		path := filepath.Join(t.TempDir(), "authorized_accounts.json")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		s, err := Load(path)
		assert.Error(t, err, body)
		assert.Zero(t, s.Len(), body)
	}
}

func TestNewTrimsIDs(t *testing.T) {
	s := New(" R1 ", "\tR2", "  ")
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("R1"))
	assert.True(t, s.Contains("R2"))
	assert.False(t, s.Contains(" R1 "))
}

func TestNilSet(t *testing.T) {
	var s *Set
	assert.False(t, s.Contains("R1"))
	assert.Zero(t, s.Len())
}
