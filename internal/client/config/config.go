package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/openmined/syncbox/internal/archive"
	"github.com/openmined/syncbox/internal/discovery"
	"github.com/openmined/syncbox/internal/manifest"
	"github.com/openmined/syncbox/internal/utils"
)

const (
	DefaultRetryDelay = 5 * time.Second
	machineIDAppKey   = "syncbox"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".syncbox", "client.json")
	DefaultLogDir     = filepath.Join(home, ".syncbox", "logs")
)

type DiscoveryConfig struct {
	Group string `mapstructure:"group"`
}

type Config struct {
	ClientID   string          `mapstructure:"client_id"`
	Dir        string          `mapstructure:"dir"`
	Server     string          `mapstructure:"server"`
	Discovery  DiscoveryConfig `mapstructure:"discovery"`
	RetryDelay time.Duration   `mapstructure:"retry_delay"`
	IgnoreFile string          `mapstructure:"ignore_file"`
	LogDir     string          `mapstructure:"log_dir"`
	Path       string          `mapstructure:"-"`
}

// AutoDiscover reports whether the server address comes from multicast discovery.
func (c *Config) AutoDiscover() bool {
	return c.Server == ""
}

// Validate fills defaults and normalizes paths.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("dir is required")
	}
	dir, err := utils.ResolvePath(c.Dir)
	if err != nil {
		return fmt.Errorf("dir: %w", err)
	}
	if !utils.DirExists(dir) {
		return fmt.Errorf("dir %s does not exist", dir)
	}
	c.Dir = dir

	if c.ClientID == "" {
		id, err := DefaultClientID()
		if err != nil {
			return fmt.Errorf("client_id not set and machine id unavailable: %w", err)
		}
		c.ClientID = id
	}
	if err := archive.ValidateClientID(c.ClientID); err != nil {
		return err
	}

	if c.Server != "" {
		if _, _, err := net.SplitHostPort(c.Server); err != nil {
			return fmt.Errorf("server must be host:port: %w", err)
		}
	}
	if c.Discovery.Group == "" {
		c.Discovery.Group = discovery.DefaultGroup
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.IgnoreFile == "" {
		c.IgnoreFile = filepath.Join(c.Dir, manifest.IgnoreFileName)
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}
	return nil
}

// DefaultClientID derives a stable, app specific id from the machine id.
func DefaultClientID() (string, error) {
	id, err := machineid.ProtectedID(machineIDAppKey)
	if err != nil {
		return "", err
	}
	return id[:16], nil
}
