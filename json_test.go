// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/luxfi/rpcframe/service"
)

func TestJSONRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ext := newTestExtensions(t)
	s := startServer(t, ext, TransportJSON)
	if err := s.Publish(ctx, &helloImpl{}, helloKey); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c := dialTest(t, ext, TransportJSON)

	got, err := Call[string](ctx, c, helloKey, "Hello", "world")
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q", got)
	}

	sum, err := Call[int](ctx, c, helloKey, "Sum", 20, 22)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if sum != 42 {
		t.Errorf("Sum = %d", sum)
	}

	_, err = c.Invoke(ctx, service.Key{Name: "missing"}, "Hello", "world")
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("unknown service: got %v, want ErrNotFound", err)
	}
}

func TestJSONTimeout(t *testing.T) {
	ext := newTestExtensions(t)
	s := startServer(t, ext, TransportJSON)
	if err := s.Publish(context.Background(), &helloImpl{}, helloKey); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c := dialTest(t, ext, TransportJSON, WithRequestTimeout(100*time.Millisecond))

	_, err := c.Invoke(context.Background(), helloKey, "Sleep", 2000)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("got %v, want ErrRequestTimeout", err)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("no such host"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
