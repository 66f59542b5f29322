// Package datadir resolves the on-disk layout of the client's data
// directory.
package datadir

import (
	"os"
	"path/filepath"
)

// Default returns ~/.msgsync, the data directory used when none is
// configured.
func Default() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".msgsync")
}

// DBPath returns the outgoing-queue database path inside dir.
func DBPath(dir string) string {
	return filepath.Join(dir, "outgoing.db")
}

// ConfigPath returns the config file path inside dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.toml")
}

// LogDir returns the log directory inside dir.
func LogDir(dir string) string {
	return filepath.Join(dir, "logs")
}

// LogPath returns the daemon log file path inside dir.
func LogPath(dir string) string {
	return filepath.Join(LogDir(dir), "msgsync.log")
}

// Ensure creates the data directory tree with proper permissions.
func Ensure(dir string) error {
	for _, d := range []string{dir, LogDir(dir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
