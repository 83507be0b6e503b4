// utils.go config helpers for locating, reading and moving configuration files
package conf

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// GetDefaultConfigPaths returns the per-OS config search paths, with the
// path already holding a config file moved to the front.
func GetDefaultConfigPaths() ([]string, error) {
	var configPaths []string

	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("error fetching executable path: %w", err)
	}
	exeDir := filepath.Dir(exePath)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("error fetching user directory: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		configPaths = []string{
			exeDir,
			filepath.Join(homeDir, "AppData", "Roaming", "aoitrack"),
		}
	default:
		configPaths = []string{
			filepath.Join(homeDir, ".config", "aoitrack"),
			"/etc/aoitrack",
		}
	}

	// The path holding the existing file goes first so it is both read
	// and written to
	for _, path := range configPaths {
		if _, err := os.Stat(filepath.Join(path, "config.yaml")); err == nil {
			return append([]string{path}, remove(configPaths, path)...), nil
		}
	}

	return configPaths, nil
}

// remove returns paths without the given element, preserving order.
func remove(paths []string, s string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != s {
			out = append(out, p)
		}
	}
	return out
}

// FindConfigFile locates the active config file on disk.
func FindConfigFile() (string, error) {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		configPath := filepath.Join(path, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}

	return "", fmt.Errorf("config file not found")
}

// GetBasePath expands environment variables in path, cleans it and ensures the
// directory exists. Relative paths are returned as-is relative to the working
// directory.
func GetBasePath(path string) string {
	basePath := os.ExpandEnv(path)
	basePath = filepath.Clean(basePath)

	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		if err := os.MkdirAll(basePath, 0o755); err != nil {
			fmt.Printf("error creating directory '%s': %v\n", basePath, err)
		}
	}
	return basePath
}

// moveFile moves a file from src to dst, used as a fallback when os.Rename
// fails because src and dst are on different filesystems.
func moveFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening source file: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating destination file: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return fmt.Errorf("error copying file contents: %w", err)
	}
	if err := dstFile.Close(); err != nil {
		return fmt.Errorf("error closing destination file: %w", err)
	}

	// Remove the source file after a successful copy
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("error removing source file: %w", err)
	}
	return nil
}
