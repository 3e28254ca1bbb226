// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/luxfi/rpcframe/service"
)

func TestGRPCRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ext := newTestExtensions(t)
	s := startServer(t, ext, TransportGRPC)
	if err := s.Publish(ctx, &helloImpl{}, helloKey); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, serializer := range []string{"json", "msgpack", "protobuf"} {
		t.Run(serializer, func(t *testing.T) {
			c := dialTest(t, ext, TransportGRPC, WithSerializer(serializer), WithCompressor("zstd"))

			got, err := Call[string](ctx, c, helloKey, "hello", "world")
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if got != "hello world" {
				t.Errorf("got %q", got)
			}

			_, err = c.Invoke(ctx, service.Key{Name: "missing"}, "Hello", "world")
			if !errors.Is(err, service.ErrNotFound) {
				t.Errorf("unknown service: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestGRPCTimeout(t *testing.T) {
	ext := newTestExtensions(t)
	s := startServer(t, ext, TransportGRPC)
	if err := s.Publish(context.Background(), &helloImpl{}, helloKey); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c := dialTest(t, ext, TransportGRPC, WithRequestTimeout(100*time.Millisecond))

	_, err := c.Invoke(context.Background(), helloKey, "Sleep", 2000)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("got %v, want ErrRequestTimeout", err)
	}
}

func TestGRPCConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	c := dialTest(t, newTestExtensions(t), TransportGRPC, WithAddress(addr))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Invoke(ctx, helloKey, "Hello", "world")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("got %v, want ErrConnection", err)
	}
}

func TestGRPCRejectsMissingMetadata(t *testing.T) {
	ext := newTestExtensions(t)
	s := startServer(t, ext, TransportGRPC)
	gs := s.transport.(*grpcServer)

	_, err := gs.invoke(context.Background(), &rawFrame{data: []byte("x")})
	st := status.Convert(err)
	if st.Code() != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", st.Code())
	}
	var reason string
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			reason = info.Reason
		}
	}
	if reason != "MISSING_METADATA" {
		t.Errorf("reason = %q", reason)
	}
}

func TestFrameCodec(t *testing.T) {
	var c frameCodec
	data, err := c.Marshal(&rawFrame{data: []byte("body")})
	if err != nil || string(data) != "body" {
		t.Fatalf("Marshal = %q, %v", data, err)
	}
	var f rawFrame
	if err := c.Unmarshal(data, &f); err != nil || string(f.data) != "body" {
		t.Fatalf("Unmarshal = %q, %v", f.data, err)
	}
	if _, err := c.Marshal("body"); err == nil {
		t.Error("marshaled a non-frame")
	}
}
