// Package config reads and writes the global ~/.macaw/config.toml.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global config file.
type Config struct {
	DefaultAccount string             `toml:"default_account"`
	Accounts       map[string]Account `toml:"accounts"`
}

// Account holds the per-account connection and engine settings.
type Account struct {
	// JID is the bare account address, e.g. alice@example.org.
	JID      string `toml:"jid"`
	Password string `toml:"password"`
	// Server overrides the connect host; empty means the JID domain.
	Server   string `toml:"server"`
	Resource string `toml:"resource"`

	// PageSize is the archive query page size. 0 = engine default.
	PageSize int `toml:"page_size"`
	// HistoryLimit trims in-memory history to the newest N messages.
	// 0 = unlimited.
	HistoryLimit int `toml:"history_limit"`

	// Rooms are auto-joined after connect.
	Rooms []Room `toml:"rooms"`
}

// Room is a configured multi-user chat room.
type Room struct {
	JID      string `toml:"jid"`
	Nick     string `toml:"nick"`
	Password string `toml:"password"`
}

// Load reads config from the given path. Returns error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Account returns the named account config, or false when undefined.
func (c *Config) Account(name string) (Account, bool) {
	a, ok := c.Accounts[name]
	return a, ok
}
