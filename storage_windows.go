//go:build windows

package upscale

import (
	"os"
	"path/filepath"
)

// defaultModelsDir returns %LOCALAPPDATA%\<appName>\models\, falling back
// to %APPDATA% and then the roaming profile under the home directory.
func defaultModelsDir(appName string) (string, error) {
	base := os.Getenv("LOCALAPPDATA")
	if base == "" {
		base = os.Getenv("APPDATA")
	}
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, "AppData", "Roaming")
	}
	return filepath.Join(base, appName, "models"), nil
}
