package models

import (
	"os"
	"path/filepath"
	"runtime"
)

// getDefaultDataDir returns the platform data directory for appName's models:
//   - Linux and other unix: $XDG_DATA_HOME/<app>/models or ~/.local/share/<app>/models
//   - macOS: ~/Library/Application Support/<app>/models
//   - Windows: %APPDATA%\<app>\models
func getDefaultDataDir(appName string) (string, error) {
	home, err := os.UserHomeDir()

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, appName, "models"), nil
	case "darwin", "ios":
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", appName, "models"), nil
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, appName, "models"), nil
		}
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share", appName, "models"), nil
	}
}
