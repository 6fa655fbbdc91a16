// Package client drives the sync loop: find the server, run a round, sleep until the
// time the server asked for, repeat.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/syncbox/internal/client/config"
	"github.com/openmined/syncbox/internal/discovery"
	"github.com/openmined/syncbox/internal/manifest"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const DialTimeout = 5 * time.Second

type Client struct {
	config   *config.Config
	fs       afero.Fs
	clock    clockwork.Clock
	resolver Resolver
	walker   *manifest.Walker
}

type Option func(*Client)

func WithFs(fs afero.Fs) Option {
	return func(c *Client) {
		c.fs = fs
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithResolver overrides how the server address is found.
func WithResolver(r Resolver) Option {
	return func(c *Client) {
		c.resolver = r
	}
}

// New builds a client for a validated config.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	c := &Client{
		config: cfg,
		fs:     afero.NewOsFs(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil && !cfg.AutoDiscover() {
		c.resolver = StaticResolver(cfg.Server)
	}

	ignore := manifest.NewIgnoreList(c.fs, cfg.Dir)
	ignore.Load(cfg.IgnoreFile)
	c.walker = manifest.NewWalker(c.fs, manifest.WithIgnoreList(ignore))
	return c, nil
}

// Start runs rounds until ctx is done. Round failures are logged and retried after the
// configured delay; only a discovery setup failure is returned.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("syncbox client start", "client", c.config.ClientID, "dir", c.config.Dir, "server", c.serverLabel())

	eg, ctx := errgroup.WithContext(ctx)
	if c.resolver == nil {
		d, err := discovery.ListenDiscoverer(c.config.Discovery.Group)
		if err != nil {
			return fmt.Errorf("start discovery: %w", err)
		}
		defer d.Close()
		c.resolver = DiscoveryResolver{Discoverer: d}
		eg.Go(func() error { return d.Run(ctx) })
	}

	eg.Go(func() error {
		c.loop(ctx)
		return nil
	})

	err := eg.Wait()
	slog.Info("syncbox client stop")
	return err
}

func (c *Client) loop(ctx context.Context) {
	for {
		wait := c.config.RetryDelay
		report, err := c.round(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("sync round failed, retrying", "in", wait, "error", err)
		} else {
			wait = report.NextSync.Sub(c.clock.Now())
			if wait < 0 {
				wait = 0
			}
			slog.Info("next sync", "at", report.NextSync.Format(time.DateTime), "in", wait.Round(time.Second))
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(wait):
		}
	}
}

func (c *Client) round(ctx context.Context) (*Report, error) {
	addr, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve server: %w", err)
	}
	return c.SyncOnce(ctx, addr)
}

func (c *Client) serverLabel() string {
	if c.config.AutoDiscover() {
		return "auto (" + c.config.Discovery.Group + ")"
	}
	return c.config.Server
}
