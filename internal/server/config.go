package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/syncbox/internal/discovery"
	"github.com/openmined/syncbox/internal/server/mirror"
	"github.com/openmined/syncbox/internal/server/status"
	"github.com/openmined/syncbox/internal/utils"
)

const (
	DefaultPort       = 4040
	DefaultInterval   = 5 // minutes
	DefaultArchiveDir = "archive"
	DefaultStatusAddr = "127.0.0.1:4041"
)

var (
	home, _       = os.UserHomeDir()
	DefaultLogDir = filepath.Join(home, ".syncbox", "logs")
)

type DiscoveryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Group   string `mapstructure:"group"`
}

type StatusConfig struct {
	Addr string `mapstructure:"addr"`
	Rate string `mapstructure:"rate"`
}

type Config struct {
	Port        int             `mapstructure:"port"`
	Interval    int             `mapstructure:"interval"`
	ArchiveDir  string          `mapstructure:"archive_dir"`
	IncludeDirs bool            `mapstructure:"include_dirs"`
	Journal     bool            `mapstructure:"journal"`
	Activity    bool            `mapstructure:"activity"`
	Discovery   DiscoveryConfig `mapstructure:"discovery"`
	Status      StatusConfig    `mapstructure:"status"`
	Mirror      mirror.Config   `mapstructure:"mirror"`
	LogDir      string          `mapstructure:"log_dir"`
	Path        string          `mapstructure:"-"`
}

// SyncInterval is the delay handed to clients after each session.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Interval) * time.Minute
}

// ListenAddr is the TCP address sessions are accepted on.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort("", fmt.Sprint(c.Port))
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Interval <= 0 {
		return errors.New("interval must be at least one minute")
	}

	if c.ArchiveDir == "" {
		c.ArchiveDir = DefaultArchiveDir
	}
	dir, err := utils.ResolvePath(c.ArchiveDir)
	if err != nil {
		return fmt.Errorf("archive_dir: %w", err)
	}
	c.ArchiveDir = dir

	if c.Discovery.Group == "" {
		c.Discovery.Group = discovery.DefaultGroup
	}
	if c.Discovery.Enabled {
		addr, err := net.ResolveUDPAddr("udp4", c.Discovery.Group)
		if err != nil {
			return fmt.Errorf("discovery group: %w", err)
		}
		if !addr.IP.IsMulticast() {
			return fmt.Errorf("discovery group %s is not a multicast address", c.Discovery.Group)
		}
	}

	if c.Status.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Status.Addr); err != nil {
			return fmt.Errorf("status addr: %w", err)
		}
	}
	if c.Status.Rate == "" {
		c.Status.Rate = status.DefaultRate
	}

	if c.Mirror.Enabled() && c.Mirror.Region == "" {
		return errors.New("mirror region is required when a bucket is set")
	}

	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	return nil
}
