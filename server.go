// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/config"
	"github.com/luxfi/rpcframe/extension"
	"github.com/luxfi/rpcframe/registry"
	"github.com/luxfi/rpcframe/service"
)

const deregisterTimeout = 5 * time.Second

// Server exposes local services to remote clients.
type Server struct {
	cfg       *config.Config
	ext       *extension.Registry
	ownsExt   bool
	table     *service.Table
	handler   *Handler
	transport ServerTransport
	log       *zap.Logger

	publishMu sync.Mutex // serializes registration

	mu        sync.Mutex
	registry  registry.ServiceRegistry
	published []service.Key
}

// AddService makes impl callable under key without announcing it. A nil
// iface exposes every exported method of impl.
func (s *Server) AddService(key service.Key, impl interface{}, iface reflect.Type) error {
	_, err := s.table.Add(key, impl, iface)
	return err
}

// Publish adds impl under key and registers the advertised address of the
// server for it. An empty key name is derived from the type of impl.
// Publishing a key twice keeps the first instance; a key whose registration
// failed is registered again by the next Publish.
func (s *Server) Publish(ctx context.Context, impl interface{}, key service.Key) error {
	if key.Name == "" {
		key.Name = service.TypeName(reflect.TypeOf(impl))
	}
	return s.publish(ctx, key, impl, nil)
}

// Publish adds impl as an implementation of I and registers it. Only the
// methods of I are exposed when I is an interface, and an empty key name is
// the name of I.
func Publish[I any](ctx context.Context, s *Server, impl I, key service.Key) error {
	if key.Name == "" {
		key.Name = service.NameOf[I]()
	}
	var iface reflect.Type
	if t := reflect.TypeOf((*I)(nil)).Elem(); t.Kind() == reflect.Interface {
		iface = t
	}
	return s.publish(ctx, key, impl, iface)
}

func (s *Server) publish(ctx context.Context, key service.Key, impl interface{}, iface reflect.Type) error {
	if _, err := s.table.Add(key, impl, iface); err != nil {
		return err
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if s.isPublished(key) {
		return nil
	}

	reg, err := s.serviceRegistry()
	if err != nil {
		return err
	}
	addr := s.AdvertiseAddr()
	if err := reg.Register(ctx, key, addr); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	s.mu.Lock()
	s.published = append(s.published, key)
	s.mu.Unlock()
	s.log.Info("published service", zap.Stringer("service", key), zap.String("addr", addr))
	return nil
}

func (s *Server) isPublished(key service.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.published, key)
}

// serviceRegistry opens the configured registry on first use, so servers
// that never publish never contact one.
func (s *Server) serviceRegistry() (registry.ServiceRegistry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry == nil {
		reg, err := openRegistry(s.ext, s.cfg, s.log)
		if err != nil {
			return nil, err
		}
		s.registry = reg
	}
	return s.registry, nil
}

// Serve starts serving requests (blocks until context cancelled)
func (s *Server) Serve(ctx context.Context) error {
	return s.transport.Serve(ctx)
}

// Close deregisters every published service and stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	published, reg := s.published, s.registry
	s.published = nil
	s.mu.Unlock()

	var err error
	if len(published) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
		addr := s.AdvertiseAddr()
		for _, key := range published {
			err = multierr.Append(err, reg.Deregister(ctx, key, addr))
		}
		cancel()
	}
	err = multierr.Append(err, s.transport.Close())
	if s.ownsExt {
		err = multierr.Append(err, s.ext.Close())
	}
	return err
}

// Addr returns the server's listen address
func (s *Server) Addr() string {
	return s.transport.Addr()
}

// AdvertiseAddr returns the address published to the registry: the
// configured advertise address, or the first non-loopback IPv4 address of
// the host with the listen port.
func (s *Server) AdvertiseAddr() string {
	_, port, err := net.SplitHostPort(s.transport.Addr())
	if err != nil {
		return s.transport.Addr()
	}
	if adv := s.cfg.Server.Advertise; adv != "" {
		if _, _, err := net.SplitHostPort(adv); err == nil {
			return adv
		}
		return net.JoinHostPort(adv, port)
	}
	return net.JoinHostPort(hostIPv4(), port)
}

// hostIPv4 returns the first non-loopback IPv4 address of the host, or
// 127.0.0.1 when there is none.
func hostIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	cfg           *config.Config
	ext           *extension.Registry
	registry      registry.ServiceRegistry
	logger        *zap.Logger
	meterProvider metric.MeterProvider
}

// WithServerConfig replaces the settings, defaulting to config.Default().
// Options after it adjust a copy of cfg.
func WithServerConfig(cfg *config.Config) ServerOption {
	return func(o *serverOptions) {
		c := *cfg
		o.cfg = &c
	}
}

// WithServerExtensions sets the extension registry to resolve names in.
func WithServerExtensions(ext *extension.Registry) ServerOption {
	return func(o *serverOptions) { o.ext = ext }
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.cfg.Transport = t }
}

// WithServerRegistry sets the registry backend by name.
func WithServerRegistry(name string) ServerOption {
	return func(o *serverOptions) { o.cfg.Registry.Backend = name }
}

// WithServiceRegistry publishes to r instead of a configured backend.
func WithServiceRegistry(r registry.ServiceRegistry) ServerOption {
	return func(o *serverOptions) { o.registry = r }
}

// WithAdvertiseAddr sets the address published to the registry. A bare
// host gets the listen port.
func WithAdvertiseAddr(addr string) ServerOption {
	return func(o *serverOptions) { o.cfg.Server.Advertise = addr }
}

// WithWorkers bounds how many requests run at once.
func WithWorkers(n int64) ServerOption {
	return func(o *serverOptions) { o.cfg.Server.Workers = n }
}

// WithMaxConns bounds how many connections are open at once.
func WithMaxConns(n int) ServerOption {
	return func(o *serverOptions) { o.cfg.Server.MaxConns = n }
}

// WithIdleTimeout closes connections that send nothing for d. A negative
// duration disables it.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.cfg.Server.IdleTimeout = d }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithServerMeterProvider sets where server metrics are recorded.
func WithServerMeterProvider(mp metric.MeterProvider) ServerOption {
	return func(o *serverOptions) { o.meterProvider = mp }
}
