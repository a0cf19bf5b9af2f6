package client

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings stores terminal client preferences persisted as YAML.
type Settings struct {
	DisplayName string `yaml:"display_name,omitempty"`
	DownloadDir string `yaml:"download_dir"`
	NoColor     bool   `yaml:"no_color,omitempty"`
	LogLevel    string `yaml:"log_level,omitempty"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		DownloadDir: defaultDownloadDir(),
		LogLevel:    "warn",
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}
	return filepath.Join(home, "Downloads", "relay")
}

// LoadSettings loads settings from path or returns defaults. A file that
// fails to parse is logged and ignored.
func LoadSettings(path string) *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "path", path, "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to path.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
