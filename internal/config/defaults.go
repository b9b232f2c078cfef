package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "licguard"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/licguard/
//   - Linux:   ~/.local/share/licguard/
//   - Windows: %LOCALAPPDATA%\licguard\
//
// Falls back to ~/.licguard if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/licguard/
//   - Linux:   ~/.config/licguard/
//   - Windows: %LOCALAPPDATA%\licguard\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appDirName)
	case "linux":
		return filepath.Join(linuxDataDir(), "logs")
	case "windows":
		return filepath.Join(windowsDataDir(), "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

func homeDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home
}

func macOSDataDir() string {
	return filepath.Join(homeDir(), "Library", "Application Support", appDirName)
}

// Linux paths follow the XDG Base Directory Specification.

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appDirName)
	}
	return filepath.Join(homeDir(), ".local", "share", appDirName)
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, appDirName)
	}
	return filepath.Join(homeDir(), ".config", appDirName)
}

// Records and markers are machine-bound, so Windows uses the local
// (non-roaming) profile.
func windowsDataDir() string {
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		return filepath.Join(localAppData, appDirName)
	}
	return filepath.Join(homeDir(), "AppData", "Local", appDirName)
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), "."+appDirName)
}
