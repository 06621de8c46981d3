// Package config persists local-device settings under an OS-aware data
// directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"lanlink/device"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanlink"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 1716
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID      string   `json:"device_id"`
	DeviceName    string   `json:"device_name"`
	DeviceType    string   `json:"device_type"`
	Capabilities  []string `json:"capabilities"`
	PortMode      string   `json:"port_mode"`
	ListeningPort int      `json:"listening_port"`
	DownloadsDir  string   `json:"downloads_dir"`
}

// Identity builds the device identity advertised to peers.
func (c *DeviceConfig) Identity() device.Identity {
	return device.Identity{
		ID:           c.DeviceID,
		Name:         c.DeviceName,
		Kind:         device.ParseKind(c.DeviceType),
		Capabilities: append([]string(nil), c.Capabilities...),
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANLINK_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:      uuid.NewString(),
		DeviceName:    defaultDeviceName(),
		DeviceType:    string(device.KindDesktop),
		Capabilities:  defaultCapabilities(),
		PortMode:      PortModeFixed,
		ListeningPort: DefaultListeningPort,
		DownloadsDir:  filepath.Join(dataDir, "downloads"),
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Link Device"
}

func defaultCapabilities() []string {
	return []string{"clipboard", "input", "file", "media", "notification", "command", "slide"}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if normalized := string(device.ParseKind(cfg.DeviceType)); cfg.DeviceType != normalized {
		cfg.DeviceType = normalized
		updated = true
	}

	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = defaultCapabilities()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
