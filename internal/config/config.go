// Package config manages persistent user preferences for the stmon client.
// Settings are stored as JSON at os.UserConfigDir()/stmon/config.json.
//
// Sidetone parameters (enabled, frequency, volume) are deliberately not
// persisted here: the transceiver owns them and streams them live over the
// control connection.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all persistent user preferences.
type Config struct {
	OutputDeviceID int           `json:"output_device_id"`
	Volume         float64       `json:"volume"` // receive monitor volume [0,1]
	JitterDepth    int           `json:"jitter_depth"`
	Servers        []ServerEntry `json:"servers"`
}

// ServerEntry is a saved transceiver server.
type ServerEntry struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	// No default server entry: with nothing configured the client falls back
	// to mDNS discovery.
	return Config{
		OutputDeviceID: -1,
		Volume:         1.0,
		JitterDepth:    3,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "stmon", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
