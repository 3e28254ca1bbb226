// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/luxfi/rpcframe/compress"
	"github.com/luxfi/rpcframe/config"
	"github.com/luxfi/rpcframe/extension"
	"github.com/luxfi/rpcframe/loadbalance"
	"github.com/luxfi/rpcframe/registry/httpreg"
	"github.com/luxfi/rpcframe/registry/memory"
	"github.com/luxfi/rpcframe/registry/zookeeper"
	"github.com/luxfi/rpcframe/serialize"
)

//go:embed extensions
var builtin embed.FS

// NewExtensions returns an extension registry holding every built-in
// serializer, compressor, registry backend, load balancer and transport.
// Descriptors in extra override the built-in ones; factories for new
// identifiers can be added with Provide.
func NewExtensions(props extension.Properties, extra ...fs.FS) *extension.Registry {
	ext := extension.New(props, append([]fs.FS{builtin}, extra...)...)

	ext.Provide("serialize/json", constant(serialize.JSONSerializer{}))
	ext.Provide("serialize/gob", constant(serialize.GobSerializer{}))
	ext.Provide("serialize/msgpack", constant(serialize.MsgpackSerializer{}))
	ext.Provide("serialize/protobuf", constant(serialize.ProtobufSerializer{}))

	ext.Provide("compress/none", constant(compress.Identity{}))
	ext.Provide("compress/gzip", constant(compress.GzipCompressor{}))
	ext.Provide("compress/snappy", constant(compress.SnappyCompressor{}))
	ext.Provide("compress/zstd", func(extension.Properties) (interface{}, error) {
		return compress.NewZstd()
	})

	ext.Provide("registry/zookeeper", func(p extension.Properties) (interface{}, error) {
		session, err := durationProp(p, config.PropZookeeperSession, zookeeper.DefaultSessionTimeout)
		if err != nil {
			return nil, err
		}
		addr := p.Get(config.PropZookeeperAddress, "127.0.0.1:2181")
		return zookeeper.Dial(addr, session, nil)
	})
	ext.Provide("registry/http", func(p extension.Properties) (interface{}, error) {
		interval, err := durationProp(p, config.PropHTTPHeartbeat, 0)
		if err != nil {
			return nil, err
		}
		url := p.Get(config.PropHTTPRegistryURL, "http://127.0.0.1:9999"+httpreg.DefaultPath)
		return httpreg.NewBackend(url, interval, nil), nil
	})
	ext.Provide("registry/memory", func(extension.Properties) (interface{}, error) {
		return memory.New(), nil
	})

	ext.Provide("loadbalance/random", func(extension.Properties) (interface{}, error) {
		return loadbalance.NewRandom(), nil
	})
	ext.Provide("loadbalance/roundrobin", func(extension.Properties) (interface{}, error) {
		return &loadbalance.RoundRobinStrategy{}, nil
	})
	ext.Provide("loadbalance/consistenthash", func(p extension.Properties) (interface{}, error) {
		replicas, err := strconv.Atoi(p.Get(config.PropConsistentReplica, strconv.Itoa(loadbalance.DefaultReplicas)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", config.PropConsistentReplica, err)
		}
		return loadbalance.NewConsistentHash(replicas), nil
	})

	ext.Provide("transport/tcp", constant(tcpTransport{}))
	ext.Provide("transport/grpc", constant(grpcTransport{}))
	ext.Provide("transport/json", constant(jsonTransport{}))
	return ext
}

func constant(v interface{}) extension.Factory {
	return func(extension.Properties) (interface{}, error) { return v, nil }
}

func durationProp(p extension.Properties, key string, def time.Duration) (time.Duration, error) {
	raw := p.Get(key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
