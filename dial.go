// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/compress"
	"github.com/luxfi/rpcframe/config"
	"github.com/luxfi/rpcframe/extension"
	"github.com/luxfi/rpcframe/internal/log"
	"github.com/luxfi/rpcframe/loadbalance"
	"github.com/luxfi/rpcframe/protocol"
	"github.com/luxfi/rpcframe/registry"
	"github.com/luxfi/rpcframe/serialize"
	"github.com/luxfi/rpcframe/service"
)

// Dial returns a client using the configured transport (TCP by default).
// Every extension name is resolved here, so a misspelt serializer, codec
// or backend fails now rather than on the first call.
func Dial(opts ...DialOption) (*Client, error) {
	o := &dialOptions{cfg: config.Default()}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ext, owns := o.ext, false
	if ext == nil {
		ext, owns = NewExtensions(cfg.Properties()), true
	}
	logger := log.Named("client", o.logger)

	c, err := dial(ext, cfg, o, logger)
	if err != nil {
		if owns {
			ext.Close()
		}
		return nil, err
	}
	c.ownsExt = owns
	return c, nil
}

func dial(ext *extension.Registry, cfg *config.Config, o *dialOptions, logger *zap.Logger) (*Client, error) {
	codecID, err := protocol.SerializerID(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	if _, err := extension.Load[serialize.Serializer](ext, protocol.SerializerCapability).Get(cfg.Serializer); err != nil {
		return nil, err
	}
	compressID, err := protocol.CompressorID(cfg.Compressor)
	if err != nil {
		return nil, err
	}
	if _, err := extension.Load[compress.Compressor](ext, protocol.CompressorCapability).Get(cfg.Compressor); err != nil {
		return nil, err
	}

	discovery := o.discovery
	if discovery == nil {
		reg, err := openRegistry(ext, cfg, logger)
		if err != nil {
			return nil, err
		}
		discovery = reg
	}

	tr, err := extension.Load[Transport](ext, TransportCapability).Get(cfg.Transport)
	if err != nil {
		return nil, err
	}
	ct, err := tr.NewClient(ClientConfig{
		Discovery:           discovery,
		Codec:               protocol.NewCodec(ext),
		CodecID:             codecID,
		CompressID:          compressID,
		ConnectTimeout:      cfg.Client.ConnectTimeout,
		HeartbeatInterval:   cfg.Client.HeartbeatInterval,
		MaxMissedHeartbeats: cfg.Client.MaxMissedHeartbeats,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("transport %s: %w", cfg.Transport, err)
	}
	logger.Info("client ready",
		zap.String("transport", cfg.Transport),
		zap.String("serializer", cfg.Serializer),
		zap.String("compressor", cfg.Compressor),
	)
	return &Client{
		transport:      ct,
		requestTimeout: cfg.Client.RequestTimeout,
		ext:            ext,
		log:            logger,
		metrics:        newMetrics(o.meterProvider),
	}, nil
}

// Listen creates a server listening on addr with the configured transport
// (TCP by default). An empty addr uses the configured listen address.
func Listen(addr string, opts ...ServerOption) (*Server, error) {
	o := &serverOptions{cfg: config.Default()}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if addr == "" {
		addr = cfg.Server.Listen
	}

	ext, owns := o.ext, false
	if ext == nil {
		ext, owns = NewExtensions(cfg.Properties()), true
	}
	logger := log.Named("server", o.logger)
	m := newMetrics(o.meterProvider)

	s := &Server{
		cfg:      cfg,
		ext:      ext,
		ownsExt:  owns,
		registry: o.registry,
		log:      logger,
	}
	s.table = service.NewTable(logger)
	s.handler = newHandler(s.table, logger, m)

	tr, err := extension.Load[Transport](ext, TransportCapability).Get(cfg.Transport)
	if err == nil {
		s.transport, err = tr.NewServer(ServerConfig{
			Address:     addr,
			Handler:     s.handler,
			Codec:       protocol.NewCodec(ext),
			MaxConns:    cfg.Server.MaxConns,
			Workers:     cfg.Server.Workers,
			IdleTimeout: cfg.Server.IdleTimeout,
			Logger:      logger,
		})
	}
	if err != nil {
		if owns {
			ext.Close()
		}
		return nil, fmt.Errorf("transport %s: %w", cfg.Transport, err)
	}
	logger.Info("listening", zap.String("transport", cfg.Transport), zap.String("addr", s.transport.Addr()))
	return s, nil
}

// openRegistry builds the registry named by the configuration.
func openRegistry(ext *extension.Registry, cfg *config.Config, logger *zap.Logger) (*registry.Registry, error) {
	backend, err := extension.Load[registry.Backend](ext, registry.Capability).Get(cfg.Registry.Backend)
	if err != nil {
		return nil, err
	}
	strategy, err := extension.Load[loadbalance.Strategy](ext, loadbalance.Capability).Get(cfg.LoadBalance)
	if err != nil {
		return nil, err
	}
	opts := []registry.Option{registry.WithLogger(logger.Named("registry"))}
	if cfg.Registry.Root != "" {
		opts = append(opts, registry.WithRoot(cfg.Registry.Root))
	}
	return registry.New(backend, loadbalance.New(strategy), opts...), nil
}
