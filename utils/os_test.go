package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/n0rdy/kbq/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDbPathCandidates(t *testing.T) {
	env := map[string]string{"XDG_DATA_HOME": "/data", "APPDATA": `C:\Roaming`}
	getenv := func(key string) string { return env[key] }

	assert.Equal(t, []string{
		filepath.Join("/data", "kbq", "kbq.db"),
		filepath.Join("/home/ann", ".local", "share", "kbq", "kbq.db"),
		filepath.Join("/home/ann", "kbq", "kbq.db"),
	}, dbPathCandidates(common.LinuxOS, getenv, "/home/ann"))

	// unset env vars are skipped
	assert.Equal(t, []string{
		filepath.Join(`C:\Roaming`, "kbq", "kbq.db"),
		filepath.Join(`C:\Users\ann`, "kbq", "kbq.db"),
	}, dbPathCandidates(common.WindowsOS, getenv, `C:\Users\ann`))

	assert.Equal(t, filepath.Join("/Users/ann", "Library", "Application Support", "kbq", "kbq.db"),
		dbPathCandidates(common.MacOS, getenv, "/Users/ann")[0])

	assert.Empty(t, dbPathCandidates("plan9", getenv, "/usr/ann"))
}

func TestResolveDBPath_Explicit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "kbq.db")

	resolved, err := ResolveDBPath(dbPath)

	require.NoError(t, err)
	assert.Equal(t, dbPath, resolved)
	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
