// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/extension"
	"github.com/luxfi/rpcframe/protocol"
	"github.com/luxfi/rpcframe/registry"
)

// Transport types
const (
	TransportTCP  = "tcp"  // framed binary protocol, default
	TransportGRPC = "grpc" // frames carried as gRPC unary calls
	TransportJSON = "json" // JSON-RPC 2.0 over HTTP
)

// DefaultTransport is the default transport type (TCP)
const DefaultTransport = TransportTCP

// TransportCapability is the extension capability of transports.
const TransportCapability = "transport"

// Transport builds both halves of one wire protocol.
type Transport interface {
	NewClient(cfg ClientConfig) (ClientTransport, error)
	NewServer(cfg ServerConfig) (ServerTransport, error)
}

// ClientTransport delivers requests and waits for their responses.
type ClientTransport interface {
	SendRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	Close() error
}

// ServerTransport accepts requests and hands them to a RequestHandler.
type ServerTransport interface {
	// Serve blocks until the context is cancelled or Close is called.
	Serve(ctx context.Context) error
	Close() error
	Addr() string
}

// RequestHandler answers one request. It never returns nil.
type RequestHandler interface {
	Handle(ctx context.Context, req *protocol.Request) *protocol.Response
}

// ClientConfig is what a transport needs to build a client.
type ClientConfig struct {
	Discovery           registry.Discovery
	Codec               *protocol.Codec
	CodecID             byte
	CompressID          byte
	ConnectTimeout      time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	Logger              *zap.Logger
}

// ServerConfig is what a transport needs to build a server.
type ServerConfig struct {
	Address     string
	Handler     RequestHandler
	Codec       *protocol.Codec
	MaxConns    int
	Workers     int64
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// AvailableTransports returns list of available transport types
func AvailableTransports(ext *extension.Registry) ([]string, error) {
	return extension.Load[Transport](ext, TransportCapability).Names()
}

// HasTransport checks if a transport is available
func HasTransport(ext *extension.Registry, name string) bool {
	return extension.Load[Transport](ext, TransportCapability).Has(name)
}
