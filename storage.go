package upscale

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// WeightFileExt is the extension of downloaded weight files.
const WeightFileExt = ".safetensors"

// envVarName constructs the models directory override variable from the
// app name. Characters that are not valid in an environment variable name
// become underscores.
// Example: envVarName("xprim-upscale") returns "XPRIM_UPSCALE_MODELS_DIR".
func envVarName(appName string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, appName)
	return name + "_MODELS_DIR"
}

// resolveModelsDir picks where weight files live.
// Priority: env var > configured dir > platform default.
func resolveModelsDir(appName, configured string) (string, error) {
	if envDir := os.Getenv(envVarName(appName)); envDir != "" {
		return envDir, nil
	}
	if configured != "" {
		return configured, nil
	}
	dir, err := defaultModelsDir(appName)
	if err != nil {
		return "", fmt.Errorf("failed to get default models dir: %w", err)
	}
	return dir, nil
}

// weightPath returns the local weight file for a model id.
func weightPath(modelsDir, id string) string {
	return filepath.Join(modelsDir, id+WeightFileExt)
}

// fileExists reports whether path names an existing regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// atomicWriteFile streams write into a temporary sibling of path and
// renames it into place, creating parent directories first.
func atomicWriteFile(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) // cleanup on failure
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
