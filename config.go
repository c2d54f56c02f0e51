package main

import "stmon/internal/config"

// Re-export types and functions from the config sub-package so App methods
// can accept and return them without an extra import at call sites.

// Config holds all persistent user preferences.
type Config = config.Config

// ServerEntry is a saved transceiver server.
type ServerEntry = config.ServerEntry

// LoadConfig loads the config from disk, returning defaults on any error.
func LoadConfig() Config { return config.Load() }

// SaveConfig persists cfg to disk.
func SaveConfig(cfg Config) error { return config.Save(cfg) }
