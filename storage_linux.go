//go:build linux

package upscale

import (
	"os"
	"path/filepath"
)

// defaultModelsDir returns the weight directory on Linux:
// $XDG_DATA_HOME/<appName>/models/ if set, otherwise
// ~/.local/share/<appName>/models/
func defaultModelsDir(appName string) (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appName, "models"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", appName, "models"), nil
}
