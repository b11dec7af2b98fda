package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDir returns the path to the bridge config directory (~/.redisbridge).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".redisbridge"), nil
}

// DefaultPath resolves a config file name. Absolute paths and paths that
// exist relative to the working directory are returned as-is; anything else
// is looked up in ConfigDir.
func DefaultPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
