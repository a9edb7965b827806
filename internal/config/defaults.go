package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "diagd"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/diagd/
//   - Linux:   ~/.local/share/diagd/
//   - Windows: %APPDATA%\diagd\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "windows":
		return windowsDir("APPDATA", "Roaming")
	default:
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	}
}

// PlatformCacheDir returns the platform-specific cache directory, where
// channel mirror files live.
//
// Platform paths:
//   - macOS:   ~/Library/Caches/diagd/
//   - Linux:   ~/.cache/diagd/
//   - Windows: %LOCALAPPDATA%\diagd\cache\
func PlatformCacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Caches", appName)
	case "windows":
		return filepath.Join(windowsDir("LOCALAPPDATA", "Local"), "cache")
	default:
		return xdgDir("XDG_CACHE_HOME", ".cache")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "windows":
		return windowsDir("APPDATA", "Roaming")
	default:
		return xdgDir("XDG_CONFIG_HOME", ".config")
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "windows":
		return filepath.Join(windowsDir("LOCALAPPDATA", "Local"), "logs")
	default:
		return xdgDir("XDG_STATE_HOME", ".local", "state")
	}
}

// PlatformRuntimeDir returns the directory for sockets.
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, appName)
		}
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

// DefaultSocketPath returns the default IPC socket path.
func DefaultSocketPath() string {
	return filepath.Join(PlatformRuntimeDir(), appName+".sock")
}

func homeDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home
}

// xdgDir follows the XDG Base Directory Specification.
func xdgDir(env string, fallback ...string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appName)
	}
	return filepath.Join(append(append([]string{homeDir()}, fallback...), appName)...)
}

func windowsDir(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appName)
	}
	return filepath.Join(homeDir(), "AppData", fallback, appName)
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the current and config directories for a
// config file. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
