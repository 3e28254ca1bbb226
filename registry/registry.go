// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package registry publishes service addresses to a coordination backend
// and resolves them back for callers.
//
// Addresses live under <root>/<canonical service key>/<host:port>, one
// child per running instance. Backends tie each registration to the
// liveness of the process that made it.
package registry

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/internal/log"
	"github.com/luxfi/rpcframe/loadbalance"
	"github.com/luxfi/rpcframe/service"
)

// Capability is the extension capability of backends.
const Capability = "registry"

// DefaultRoot is the root path of every service.
const DefaultRoot = "/rpcframe"

// Backend stores address nodes. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Register creates the node servicePath/addr, owned by this process.
	Register(ctx context.Context, servicePath, addr string) error
	// Deregister removes the node servicePath/addr.
	Deregister(ctx context.Context, servicePath, addr string) error
	// Children lists the addresses under servicePath.
	Children(ctx context.Context, servicePath string) ([]string, error)
	Close() error
}

// ServiceRegistry publishes addresses.
type ServiceRegistry interface {
	Register(ctx context.Context, key service.Key, addr string) error
	Deregister(ctx context.Context, key service.Key, addr string) error
}

// Discovery resolves a service key to one address.
type Discovery interface {
	Lookup(ctx context.Context, key service.Key) (string, error)
}

// ServicePath returns the node path of key under root.
func ServicePath(root string, key service.Key) string {
	return path.Join(root, key.Canonical())
}

// Registry implements ServiceRegistry and Discovery on top of a Backend.
type Registry struct {
	backend  Backend
	balancer *loadbalance.Balancer
	root     string
	log      *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRoot sets the root path.
func WithRoot(root string) Option {
	return func(r *Registry) { r.root = root }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New returns a Registry storing addresses in backend and choosing among
// them with balancer.
func New(backend Backend, balancer *loadbalance.Balancer, opts ...Option) *Registry {
	r := &Registry{
		backend:  backend,
		balancer: balancer,
		root:     DefaultRoot,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = log.Named("registry", r.log)
	return r
}

// Register publishes addr for key.
func (r *Registry) Register(ctx context.Context, key service.Key, addr string) error {
	p := ServicePath(r.root, key)
	if err := r.backend.Register(ctx, p, addr); err != nil {
		return fmt.Errorf("registry: register %s at %s: %w", key, addr, err)
	}
	r.log.Info("registered service", zap.String("service", key.Canonical()), zap.String("addr", addr))
	return nil
}

// Deregister withdraws addr for key.
func (r *Registry) Deregister(ctx context.Context, key service.Key, addr string) error {
	if err := r.backend.Deregister(ctx, ServicePath(r.root, key), addr); err != nil {
		return fmt.Errorf("registry: deregister %s at %s: %w", key, addr, err)
	}
	r.log.Info("deregistered service", zap.String("service", key.Canonical()), zap.String("addr", addr))
	return nil
}

// List returns every address registered for key.
func (r *Registry) List(ctx context.Context, key service.Key) ([]string, error) {
	addrs, err := r.backend.Children(ctx, ServicePath(r.root, key))
	if err != nil {
		return nil, fmt.Errorf("registry: list %s: %w", key, err)
	}
	return addrs, nil
}

// Lookup returns the address the balancer picks among those of key.
func (r *Registry) Lookup(ctx context.Context, key service.Key) (string, error) {
	addrs, err := r.List(ctx, key)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: no address registered for %s", service.ErrNotFound, key)
	}
	addr, err := r.balancer.Select(addrs, key.Canonical())
	if err != nil {
		return "", err
	}
	r.log.Debug("found service address", zap.String("service", key.Canonical()), zap.String("addr", addr))
	return addr, nil
}

// Close closes the backend.
func (r *Registry) Close() error {
	return r.backend.Close()
}
