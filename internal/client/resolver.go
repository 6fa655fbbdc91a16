package client

import (
	"context"

	"github.com/openmined/syncbox/internal/discovery"
)

// Resolver finds the server address for the next round.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver always returns the configured host:port.
type StaticResolver string

func (s StaticResolver) Resolve(context.Context) (string, error) {
	return string(s), nil
}

// DiscoveryResolver asks the network for a server on every round.
type DiscoveryResolver struct {
	Discoverer *discovery.Discoverer
}

func (d DiscoveryResolver) Resolve(ctx context.Context) (string, error) {
	offer, err := d.Discoverer.Discover(ctx)
	if err != nil {
		return "", err
	}
	return offer.Addr(), nil
}
