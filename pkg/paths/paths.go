package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvDataDir = "BROWSERLINK_DATA_DIR"
	EnvLogDir  = "BROWSERLINK_LOG_DIR"
)

// DataDir returns the directory holding durable client state. It honors
// BROWSERLINK_DATA_DIR and defaults to ~/.browserlink.
func DataDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvDataDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".browserlink"
	}
	return filepath.Join(home, ".browserlink")
}

// CredentialPath returns the credential store location for the given store
// kind ("file" -> credential.json, "sqlite" -> credential.db).
func CredentialPath(kind string) string {
	name := "credential.json"
	if kind == "sqlite" {
		name = "credential.db"
	}
	return filepath.Join(DataDir(), name)
}

// LogsDir returns where session logs are mirrored. Empty when unset.
func LogsDir() string {
	dir := strings.TrimSpace(os.Getenv(EnvLogDir))
	if dir == "" {
		return ""
	}
	return filepath.Clean(ExpandHome(dir))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}
