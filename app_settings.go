package main

import (
	"fmt"
	"log"
	"os"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"moisture-compare/internal/config"
	"moisture-compare/internal/difference"
)

// ===================
// Settings Management
// ===================

// GetSettings returns current user settings
func (a *App) GetSettings() (*config.UserSettings, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Return a copy to prevent external modifications
	settingsCopy := *a.settings
	return &settingsCopy, nil
}

// SaveSettings saves user settings to disk and updates app state
func (a *App) SaveSettings(settings *config.UserSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// The install ID identifies this machine for analytics and never changes
	settings.InstallID = a.settings.InstallID
	settings.InheritEnv(a.settings)

	if err := config.SaveSettings(settings); err != nil {
		return err
	}
	a.settings = settings

	// Note: Service, band and catalog settings require app restart to take effect
	log.Printf("Settings saved. Service and catalog settings will apply on next restart.")

	return nil
}

// GetSettingsPath returns the OS-specific settings file path
func (a *App) GetSettingsPath() string {
	return config.GetSettingsPath()
}

// SaveMapPosition saves the current map position for session persistence
// Called on app close or periodically to remember the last viewed location
func (a *App) SaveMapPosition(x, y, scale float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.settings.LastCenterX = x
	a.settings.LastCenterY = y
	a.settings.LastScale = scale

	if err := config.SaveSettings(a.settings); err != nil {
		return err
	}

	log.Printf("Saved map position: x=%.1f, y=%.1f, scale=%.0f", x, y, scale)
	return nil
}

// SetDefaultDifferenceMode stores the mode the analysis layer starts in
func (a *App) SetDefaultDifferenceMode(mode string) error {
	m, err := difference.ParseMode(mode)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings.DefaultDifferenceMode = m.String()
	return config.SaveSettings(a.settings)
}

// GetExportPath returns the current export directory
func (a *App) GetExportPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.ExportPath
}

// SelectExportFolder opens a folder picker dialog and stores the chosen export directory
func (a *App) SelectExportFolder() (string, error) {
	path, err := wailsRuntime.OpenDirectoryDialog(a.ctx, wailsRuntime.OpenDialogOptions{
		Title:            "Select Export Folder",
		DefaultDirectory: a.GetExportPath(),
	})
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", nil
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create export folder: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings.ExportPath = path
	if err := config.SaveSettings(a.settings); err != nil {
		return "", err
	}
	return path, nil
}
