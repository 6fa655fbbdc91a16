// Package mirror copies archive changes to an S3 compatible object store.
package mirror

import (
	"context"
	"io"
	"time"
)

// Mirror receives every upload and deletion the archive applies.
type Mirror interface {
	Upload(ctx context.Context, clientID, rel string, body io.Reader, size int64, modTime time.Time) error
	Delete(ctx context.Context, clientID, rel string) error
}

// Nop discards every change. It is the mirror when no bucket is configured.
type Nop struct{}

func (Nop) Upload(context.Context, string, string, io.Reader, int64, time.Time) error { return nil }
func (Nop) Delete(context.Context, string, string) error { return nil }

type Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

func (c *Config) Enabled() bool {
	return c != nil && c.Bucket != ""
}

// New returns an S3 mirror for an enabled config and Nop otherwise.
func New(cfg *Config) (Mirror, error) {
	if !cfg.Enabled() {
		return Nop{}, nil
	}
	return NewS3(cfg)
}
