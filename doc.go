// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcframe is a service-oriented RPC framework: servers publish
// local implementations under a service key, clients discover an address
// through a registry, pick one with a load balancer and call methods over a
// pluggable transport.
//
// # Transport Selection
//
// TCP is the default transport, carrying the framed binary protocol of
// package protocol with heartbeats and connection reuse. gRPC and
// JSON-RPC over HTTP are selected by name:
//
//	rpcframe.Dial(rpcframe.WithTransport(rpcframe.TransportGRPC))
//	rpcframe.Listen(":9000", rpcframe.WithServerTransport(rpcframe.TransportGRPC))
//
// Serializers, compressors, registry backends, load balancers and
// transports are all resolved by name through an extension.Registry;
// NewExtensions returns one holding the built-in implementations.
//
// # Usage
//
// Server usage:
//
//	server, err := rpcframe.Listen(":9000", rpcframe.WithServerRegistry("zk"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Close()
//
//	key := service.Key{Group: "g1", Version: "v1"}
//	err = rpcframe.Publish[hello.Service](ctx, server, &helloImpl{}, key)
//
//	server.Serve(ctx)
//
// Client usage:
//
//	client, err := rpcframe.Dial(rpcframe.WithRegistry("zk"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	key := service.Key{Name: service.NameOf[hello.Service](), Group: "g1", Version: "v1"}
//	greeting, err := rpcframe.Call[string](ctx, client, key, "Hello", "world")
//
// # Architecture
//
// The package separates concerns:
//
//   - client.go, server.go: Client and Server
//   - dial.go: Dial and Listen, resolving every configured name
//   - handler.go: dispatch of decoded requests to the service table
//   - transport.go: Transport interfaces
//   - tcp.go, tcp_server.go: TCP transport (default)
//   - grpc.go: gRPC transport
//   - json.go: JSON-RPC transport
//   - extensions.go: built-in extensions
//
// Application code depends on service keys and method names only, making
// transport, codec and registry selection a deployment decision rather
// than a code change.
package rpcframe
