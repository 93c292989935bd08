// Package config loads the named storage connections used by the command line.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nasdf/vercol/http"
	"github.com/nasdf/vercol/storage"
	"gopkg.in/yaml.v3"
)

// Drivers supported by a connection.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverHTTP   = "http"
)

// Names of the connections created by DefaultConfig.
const (
	Local  = "local"
	Remote = "remote"
)

// ErrUnknownConnection is returned when a connection name is not configured.
var ErrUnknownConnection = errors.New("unknown connection")

// Connection describes where a collection is stored.
type Connection struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn,omitempty"`
	URL        string `yaml:"url,omitempty"`
	Collection string `yaml:"collection,omitempty"`
}

// Config is the content of the configuration file.
type Config struct {
	// Use is the connection used when no other is selected.
	Use         string                `yaml:"use"`
	Connections map[string]Connection `yaml:"connections"`
}

// DefaultConfig returns a local SQLite database in the working directory and a remote on localhost.
func DefaultConfig() *Config {
	return &Config{
		Use: Local,
		Connections: map[string]Connection{
			Local: {
				Driver:     DriverSQLite,
				DSN:        "vercol.db",
				Collection: "documents",
			},
			Remote: {
				Driver:     DriverHTTP,
				URL:        "http://localhost:7400",
				Collection: "documents",
			},
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/vercol/config.yaml.
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		var err error
		if dir, err = os.UserConfigDir(); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, "vercol", "config.yaml"), nil
}

// Load overlays the file at path on the default configuration.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	for name, conn := range cfg.Connections {
		if err := conn.validate(); err != nil {
			return nil, fmt.Errorf("connection %s: %w", name, err)
		}
	}
	return cfg, nil
}

// Save writes the configuration to path, creating its directory.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Names returns the configured connection names in order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connection returns the named connection, or the one in use for an empty name.
func (c *Config) Connection(name string) (Connection, error) {
	if name == "" {
		name = c.Use
	}
	conn, ok := c.Connections[name]
	if !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrUnknownConnection, name)
	}
	return conn, nil
}

// SetUse selects the connection used by default.
func (c *Config) SetUse(name string) error {
	if _, ok := c.Connections[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, name)
	}
	c.Use = name
	return nil
}

// Set assigns key=value pairs to the named connection, creating it when missing.
func (c *Config) Set(name string, pairs ...string) error {
	if c.Connections == nil {
		c.Connections = make(map[string]Connection)
	}
	conn := c.Connections[name]
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("expected key=value, got %q", pair)
		}
		switch strings.TrimSpace(key) {
		case "driver":
			conn.Driver = value
		case "dsn":
			conn.DSN = value
		case "url":
			conn.URL = value
		case "collection":
			conn.Collection = value
		default:
			return fmt.Errorf("unknown connection key %q", key)
		}
	}
	if err := conn.validate(); err != nil {
		return fmt.Errorf("connection %s: %w", name, err)
	}
	c.Connections[name] = conn
	return nil
}

func (c Connection) validate() error {
	switch c.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.DSN == "" {
			return errors.New("the sqlite driver requires a dsn")
		}
	case DriverHTTP:
		if c.URL == "" {
			return errors.New("the http driver requires a url")
		}
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if c.Collection != "" && storage.IsInternal(c.Collection) {
		return fmt.Errorf("invalid collection name %q", c.Collection)
	}
	return nil
}

// Open returns the database of the connection.
func (c Connection) Open(ctx context.Context) (storage.Database, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	switch c.Driver {
	case DriverSQLite:
		return storage.OpenSQLite(c.DSN)
	case DriverHTTP:
		return http.Dial(ctx, c.URL)
	default:
		return storage.NewMemory(), nil
	}
}
