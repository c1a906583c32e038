//go:build darwin

package upscale

import (
	"os"
	"path/filepath"
)

// defaultModelsDir returns ~/Library/Application Support/<appName>/models/
func defaultModelsDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "Application Support", appName, "models"), nil
}
