// Package workspace lays out the per-workspace directory that holds the
// daemon socket, lock, database and logs.
package workspace

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory, mostly for tests and containers.
const HomeEnv = "CONVSYNC_HOME"

// BaseDir returns $CONVSYNC_HOME, or ~/.convsync.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".convsync")
}

// Dir returns the directory of workspace name.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "workspaces", name)
}

func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// DBPath returns the SQLite database used when no DSN is configured.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "convsync.db")
}

func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "convsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the workspace directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
