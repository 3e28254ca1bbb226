// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/luxfi/rpcframe/internal/log"
	"github.com/luxfi/rpcframe/protocol"
)

const (
	grpcServiceName = "rpcframe.Invoker"
	grpcMethod      = "/" + grpcServiceName + "/Invoke"

	mdCodec    = "rpcframe-codec"
	mdCompress = "rpcframe-compress"

	errorDomain = "rpcframe"
)

// rawFrame is an already serialized request or response body.
type rawFrame struct {
	data []byte
}

// frameCodec hands bodies to gRPC untouched; serialization and compression
// are done by protocol.Codec with the ids carried in metadata.
type frameCodec struct{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("grpc transport: cannot marshal %T", v)
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("grpc transport: cannot unmarshal into %T", v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}

func (frameCodec) Name() string { return "rpcframe" }

// grpcTransport carries bodies as unary calls of a single generic method.
type grpcTransport struct{}

func (grpcTransport) NewClient(cfg ClientConfig) (ClientTransport, error) {
	if cfg.Discovery == nil || cfg.Codec == nil {
		return nil, errors.New("grpc transport: discovery and codec are required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = defaultMaxMissedHeartbeats
	}
	return &grpcClient{
		cfg:   cfg,
		log:   log.Named("grpc", cfg.Logger),
		conns: make(map[string]*grpc.ClientConn),
	}, nil
}

func (grpcTransport) NewServer(cfg ServerConfig) (ServerTransport, error) {
	if cfg.Handler == nil || cfg.Codec == nil {
		return nil, errors.New("grpc transport: handler and codec are required")
	}
	l, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("grpc transport: listen %s: %w", cfg.Address, err)
	}
	if cfg.MaxConns > 0 {
		l = netutil.LimitListener(l, cfg.MaxConns)
	}
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             defaultHeartbeatInterval,
			PermitWithoutStream: true,
		}),
	}
	if cfg.IdleTimeout > 0 {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{MaxConnectionIdle: cfg.IdleTimeout}))
	}
	s := &grpcServer{
		cfg:      cfg,
		listener: l,
		server:   grpc.NewServer(opts...),
		log:      log.Named("grpc", cfg.Logger),
	}
	s.server.RegisterService(&invokerDesc, s)
	return s, nil
}

type grpcClient struct {
	cfg ClientConfig
	log *zap.Logger

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

func (c *grpcClient) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.cfg.HeartbeatInterval,
			Timeout:             c.cfg.HeartbeatInterval * time.Duration(c.cfg.MaxMissedHeartbeats),
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: grpc client %s: %v", ErrConnection, addr, err)
	}
	c.conns[addr] = cc
	return cc, nil
}

func (c *grpcClient) SendRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	addr, err := c.cfg.Discovery.Lookup(ctx, req.ServiceKey())
	if err != nil {
		return nil, err
	}
	cc, err := c.conn(addr)
	if err != nil {
		return nil, err
	}
	body, err := c.cfg.Codec.EncodeBody(c.cfg.CodecID, c.cfg.CompressID, req)
	if err != nil {
		return nil, err
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		mdCodec, strconv.Itoa(int(c.cfg.CodecID)),
		mdCompress, strconv.Itoa(int(c.cfg.CompressID)),
	)
	out := new(rawFrame)
	if err := cc.Invoke(ctx, grpcMethod, &rawFrame{data: body}, out); err != nil {
		return nil, c.translate(addr, req.RequestID, err)
	}

	resp := new(protocol.Response)
	if err := c.cfg.Codec.DecodeBody(c.cfg.CodecID, c.cfg.CompressID, out.data, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// translate maps a gRPC status to the errors of this package.
func (c *grpcClient) translate(addr, requestID string, err error) error {
	st := status.Convert(err)
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: request %s to %s", ErrRequestTimeout, requestID, addr)
	case codes.Canceled:
		return context.Canceled
	case codes.Unavailable:
		c.drop(addr)
		return fmt.Errorf("%w: %s: %s", ErrConnection, addr, st.Message())
	case codes.InvalidArgument:
		for _, d := range st.Details() {
			if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == errorDomain {
				return fmt.Errorf("%w: %s rejected request %s: %s", protocol.ErrProtocol, addr, requestID, info.Reason)
			}
		}
	}
	return fmt.Errorf("%w: %s: %s", ErrRemoteInvocation, addr, st.Message())
}

func (c *grpcClient) drop(addr string) {
	c.mu.Lock()
	cc, ok := c.conns[addr]
	delete(c.conns, addr)
	c.mu.Unlock()
	if ok {
		cc.Close()
	}
}

func (c *grpcClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}

// invoker is the handler type of the generic gRPC service.
type invoker interface {
	invoke(ctx context.Context, in *rawFrame) (*rawFrame, error)
}

var invokerDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*invoker)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Invoke",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(rawFrame)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(invoker).invoke(ctx, in)
		},
	}},
	Streams: []grpc.StreamDesc{},
}

type grpcServer struct {
	cfg      ServerConfig
	listener net.Listener
	server   *grpc.Server
	log      *zap.Logger
}

func (s *grpcServer) invoke(ctx context.Context, in *rawFrame) (*rawFrame, error) {
	codecID, compressID, err := frameIDs(ctx)
	if err != nil {
		return nil, badFrame("MISSING_METADATA", err)
	}
	req := new(protocol.Request)
	if err := s.cfg.Codec.DecodeBody(codecID, compressID, in.data, req); err != nil {
		s.log.Warn("cannot decode request", zap.Error(err))
		return nil, badFrame("UNDECODABLE_BODY", err)
	}

	resp := s.cfg.Handler.Handle(ctx, req)
	body, err := s.cfg.Codec.EncodeBody(codecID, compressID, resp)
	if err != nil {
		s.log.Warn("cannot encode response", zap.String("requestID", req.RequestID), zap.Error(err))
		body, err = s.cfg.Codec.EncodeBody(codecID, compressID,
			protocol.Failure(req.RequestID, protocol.CodeFail, err.Error()))
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	return &rawFrame{data: body}, nil
}

func frameIDs(ctx context.Context) (byte, byte, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	codecID, err := mdByte(md, mdCodec)
	if err != nil {
		return 0, 0, err
	}
	compressID, err := mdByte(md, mdCompress)
	if err != nil {
		return 0, 0, err
	}
	return codecID, compressID, nil
}

func mdByte(md metadata.MD, key string) (byte, error) {
	vals := md.Get(key)
	if len(vals) == 0 {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.ParseUint(vals[0], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return byte(n), nil
}

func badFrame(reason string, err error) error {
	st := status.New(codes.InvalidArgument, err.Error())
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: errorDomain}); derr == nil {
		st = detailed
	}
	return st.Err()
}

func (s *grpcServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.server.Stop)
	defer stop()
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc transport: %w", err)
	}
	return nil
}

func (s *grpcServer) Close() error {
	s.server.Stop()
	s.listener.Close()
	return nil
}

func (s *grpcServer) Addr() string {
	return s.listener.Addr().String()
}
