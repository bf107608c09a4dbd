package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/n0rdy/kbq/common"
)

const (
	kbqDir    = "kbq"
	kbqDbFile = "kbq.db"
)

// ResolveDBPath returns the explicit path if one is given (creating its directory),
// otherwise the default per-OS location.
func ResolveDBPath(explicitPath string) (string, error) {
	if explicitPath == "" {
		return GetOrCreateDefaultDBPath()
	}
	return explicitPath, ensureDir(explicitPath)
}

// GetOrCreateDefaultDBPath reuses a database file found in any of the known data dirs,
// as the env vars deciding the preferred one may have changed since it was created.
func GetOrCreateDefaultDBPath() (string, error) {
	homeDir, _ := os.UserHomeDir()
	candidates := dbPathCandidates(runtime.GOOS, os.Getenv, homeDir)

	var existing []string
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}

	switch len(existing) {
	case 0:
		preferred := toDbFilePath("")
		if len(candidates) > 0 {
			preferred = candidates[0]
		}
		return preferred, ensureDir(preferred)
	case 1:
		return existing[0], nil
	default:
		return "", fmt.Errorf("multiple database files found at: %v. Please remove duplicates manually", existing)
	}
}

// dbPathCandidates lists the possible database locations, the preferred one first.
func dbPathCandidates(goos string, getenv func(string) string, homeDir string) []string {
	var dataDirs []string

	switch goos {
	case common.WindowsOS:
		dataDirs = append(dataDirs, getenv("APPDATA"), getenv("LOCALAPPDATA"), homeDir)
	case common.MacOS:
		if homeDir != "" {
			dataDirs = append(dataDirs, filepath.Join(homeDir, "Library", "Application Support"), homeDir)
		}
	case common.LinuxOS:
		dataDirs = append(dataDirs, getenv("XDG_DATA_HOME"))
		if homeDir != "" {
			dataDirs = append(dataDirs, filepath.Join(homeDir, ".local", "share"), homeDir)
		}
	}

	var paths []string
	for _, dir := range dataDirs {
		if dir != "" {
			paths = append(paths, toDbFilePath(dir))
		}
	}
	return paths
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func toDbFilePath(dataDir string) string {
	return filepath.Join(dataDir, kbqDir, kbqDbFile)
}
