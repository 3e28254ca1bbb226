// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/config"
	"github.com/luxfi/rpcframe/extension"
	"github.com/luxfi/rpcframe/internal/convert"
	"github.com/luxfi/rpcframe/protocol"
	"github.com/luxfi/rpcframe/registry"
	"github.com/luxfi/rpcframe/service"
)

// Client calls remote services. It is safe for concurrent use.
type Client struct {
	transport      ClientTransport
	requestTimeout time.Duration
	ext            *extension.Registry
	ownsExt        bool
	log            *zap.Logger
	metrics        *metrics
}

// Invoke calls method of the service identified by key and returns the
// result as decoded by the serializer: generic maps, slices and scalars for
// schemaless codecs. Use Call for a typed result.
//
// Without a deadline on ctx the client's request timeout applies.
func (c *Client) Invoke(ctx context.Context, key service.Key, method string, args ...interface{}) (interface{}, error) {
	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	if args == nil {
		args = []interface{}{}
	}
	req := &protocol.Request{
		RequestID:     uuid.NewString(),
		InterfaceName: key.Name,
		MethodName:    method,
		Params:        args,
		ParamTypes:    paramTypes(args),
		Group:         key.Group,
		Version:       key.Version,
	}

	start := time.Now()
	data, err := c.do(ctx, req)
	c.metrics.client(ctx, key, method, err, time.Since(start))
	return data, err
}

func (c *Client) do(ctx context.Context, req *protocol.Request) (interface{}, error) {
	resp, err := c.transport.SendRequest(ctx, req)
	if err != nil {
		c.log.Debug("request failed",
			zap.String("requestID", req.RequestID),
			zap.String("method", req.MethodName),
			zap.Error(err),
		)
		return nil, err
	}
	if resp.RequestID != req.RequestID {
		return nil, fmt.Errorf("%w: got %q for request %q", ErrInvalidResponse, resp.RequestID, req.RequestID)
	}
	if !resp.OK() {
		return nil, &RemoteError{Code: resp.Code, Message: resp.Message}
	}
	return resp.Data, nil
}

// Call invokes method and converts the result to R.
func Call[R any](ctx context.Context, c *Client, key service.Key, method string, args ...interface{}) (R, error) {
	var out R
	data, err := c.Invoke(ctx, key, method, args...)
	if err != nil {
		return out, err
	}
	if data == nil {
		return out, nil
	}
	if err := convert.Into(data, &out); err != nil {
		return out, fmt.Errorf("%w: result of %s.%s: %v", ErrInvalidResponse, key, method, err)
	}
	return out, nil
}

// Close releases the connections of the client.
func (c *Client) Close() error {
	err := c.transport.Close()
	if c.ownsExt {
		if cerr := c.ext.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// paramTypes describes args the way the service method table describes
// parameters. A nil argument has no type, so no descriptors are sent.
func paramTypes(args []interface{}) []string {
	types := make([]string, len(args))
	for i, a := range args {
		if a == nil {
			return nil
		}
		types[i] = service.TypeName(reflect.TypeOf(a))
	}
	return types
}

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	cfg           *config.Config
	ext           *extension.Registry
	discovery     registry.Discovery
	logger        *zap.Logger
	meterProvider metric.MeterProvider
}

// WithConfig replaces the settings, defaulting to config.Default().
// Options after it adjust a copy of cfg.
func WithConfig(cfg *config.Config) DialOption {
	return func(o *dialOptions) {
		c := *cfg
		o.cfg = &c
	}
}

// WithExtensions sets the extension registry to resolve names in. Clients
// and servers sharing a registry share its registry backends.
func WithExtensions(ext *extension.Registry) DialOption {
	return func(o *dialOptions) { o.ext = ext }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.cfg.Transport = t }
}

// WithSerializer sets the serializer by name.
func WithSerializer(name string) DialOption {
	return func(o *dialOptions) { o.cfg.Serializer = name }
}

// WithCompressor sets the compressor by name.
func WithCompressor(name string) DialOption {
	return func(o *dialOptions) { o.cfg.Compressor = name }
}

// WithRegistry sets the registry backend by name.
func WithRegistry(name string) DialOption {
	return func(o *dialOptions) { o.cfg.Registry.Backend = name }
}

// WithLoadBalance sets the load balancing strategy by name.
func WithLoadBalance(name string) DialOption {
	return func(o *dialOptions) { o.cfg.LoadBalance = name }
}

// WithDiscovery bypasses the registry backend.
func WithDiscovery(d registry.Discovery) DialOption {
	return func(o *dialOptions) { o.discovery = d }
}

// WithAddress sends every request to addr.
func WithAddress(addr string) DialOption {
	return WithDiscovery(staticDiscovery(addr))
}

// WithRequestTimeout bounds calls made without a context deadline.
func WithRequestTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.cfg.Client.RequestTimeout = d }
}

// WithHeartbeat sets the ping interval and how many intervals may pass
// without a read before a connection is considered dead.
func WithHeartbeat(interval time.Duration, maxMissed int) DialOption {
	return func(o *dialOptions) {
		o.cfg.Client.HeartbeatInterval = interval
		o.cfg.Client.MaxMissedHeartbeats = maxMissed
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// WithMeterProvider sets where client metrics are recorded.
func WithMeterProvider(mp metric.MeterProvider) DialOption {
	return func(o *dialOptions) { o.meterProvider = mp }
}

type staticDiscovery string

func (s staticDiscovery) Lookup(context.Context, service.Key) (string, error) {
	return string(s), nil
}
