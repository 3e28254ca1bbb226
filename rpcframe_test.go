// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/config"
	"github.com/luxfi/rpcframe/extension"
	"github.com/luxfi/rpcframe/registry"
	"github.com/luxfi/rpcframe/registry/httpreg"
	"github.com/luxfi/rpcframe/service"
)

type Hello interface {
	Hello(name string) string
}

type helloImpl struct {
	greeting string
}

func (h *helloImpl) Hello(name string) string {
	if h.greeting == "" {
		return "hello " + name
	}
	return h.greeting + " " + name
}

func (*helloImpl) Sum(_ context.Context, a, b int) (int, error) { return a + b, nil }

func (*helloImpl) Fail() error { return errors.New("boom") }

func (*helloImpl) Sleep(ctx context.Context, ms int) string {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
	}
	return "awake"
}

var helloKey = service.Key{Name: "rpcframe.Hello", Group: "g1", Version: "v1"}

func newTestExtensions(t *testing.T) *extension.Registry {
	t.Helper()
	ext := NewExtensions(nil)
	t.Cleanup(func() { ext.Close() })
	return ext
}

// startServer listens on a loopback port, advertises 127.0.0.1 in the
// memory registry of ext and serves until the test ends.
func startServer(t *testing.T, ext *extension.Registry, transport string, opts ...ServerOption) *Server {
	t.Helper()
	base := []ServerOption{
		WithServerExtensions(ext),
		WithServerTransport(transport),
		WithServerRegistry("memory"),
		WithAdvertiseAddr("127.0.0.1"),
		WithServerLogger(zap.NewNop()),
	}
	s, err := Listen("127.0.0.1:0", append(base, opts...)...)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		s.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return s
}

func dialTest(t *testing.T, ext *extension.Registry, transport string, opts ...DialOption) *Client {
	t.Helper()
	base := []DialOption{
		WithExtensions(ext),
		WithTransport(transport),
		WithRegistry("memory"),
		WithLogger(zap.NewNop()),
	}
	c, err := Dial(append(base, opts...)...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func memoryRegistry(t *testing.T, ext *extension.Registry) *registry.Registry {
	t.Helper()
	cfg := config.Default()
	cfg.Registry.Backend = "memory"
	reg, err := openRegistry(ext, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("openRegistry: %v", err)
	}
	return reg
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ext := newTestExtensions(t)
	s := startServer(t, ext, TransportTCP)
	if err := s.Publish(ctx, &helloImpl{}, helloKey); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c := dialTest(t, ext, TransportTCP)

	got, err := Call[string](ctx, c, helloKey, "hello", "world")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestPublishRegistersAdvertiseAddr(t *testing.T) {
	ctx := context.Background()
	ext := newTestExtensions(t)
	s, err := Listen("127.0.0.1:0",
		WithServerExtensions(ext),
		WithServerRegistry("memory"),
		WithAdvertiseAddr("127.0.0.1:9000"),
		WithServerLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := s.Publish(ctx, &helloImpl{}, helloKey); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	reg := memoryRegistry(t, ext)
	addrs, err := reg.List(ctx, helloKey)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"127.0.0.1:9000"}; !reflect.DeepEqual(addrs, want) {
		t.Errorf("addrs = %v, want %v", addrs, want)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	addrs, err = reg.List(ctx, helloKey)
	if err != nil {
		t.Fatalf("List after Close: %v", err)
	}
	if len(addrs) != 0 {
		t.Errorf("addrs after Close = %v, want none", addrs)
	}
}

func TestPublishKeepsFirstInstance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ext := newTestExtensions(t)
	s := startServer(t, ext, TransportTCP)
	if err := s.Publish(ctx, &helloImpl{}, helloKey); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := s.Publish(ctx, &helloImpl{greeting: "bye"}, helloKey); err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	c := dialTest(t, ext, TransportTCP)

	got, err := Call[string](ctx, c, helloKey, "Hello", "world")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q, want the first instance's greeting", got)
	}
}

// flakyRegistry rejects Register until failures runs out.
type flakyRegistry struct {
	mu         sync.Mutex
	failures   int
	calls      int
	registered []string
}

func (r *flakyRegistry) Register(_ context.Context, key service.Key, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return errors.New("backend down")
	}
	r.registered = append(r.registered, key.Canonical()+"/"+addr)
	return nil
}

func (r *flakyRegistry) Deregister(context.Context, service.Key, string) error { return nil }

func TestPublishRetriesFailedRegistration(t *testing.T) {
	ctx := context.Background()
	reg := &flakyRegistry{failures: 1}
	s, err := Listen("127.0.0.1:0",
		WithServerExtensions(newTestExtensions(t)),
		WithServiceRegistry(reg),
		WithAdvertiseAddr("127.0.0.1:9000"),
		WithServerLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Publish(ctx, &helloImpl{}, helloKey); err == nil {
		t.Fatal("expected the failed registration to be reported")
	}
	if err := s.Publish(ctx, &helloImpl{}, helloKey); err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	if err := s.Publish(ctx, &helloImpl{}, helloKey); err != nil {
		t.Fatalf("third Publish: %v", err)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if want := []string{helloKey.Canonical() + "/127.0.0.1:9000"}; !reflect.DeepEqual(reg.registered, want) {
		t.Errorf("registered = %v, want %v", reg.registered, want)
	}
	if reg.calls != 2 {
		t.Errorf("Register called %d times, want 2", reg.calls)
	}
}

func TestPublishDerivesNameFromInterface(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ext := newTestExtensions(t)
	s := startServer(t, ext, TransportTCP)
	if err := Publish[Hello](ctx, s, &helloImpl{}, service.Key{Group: "g1", Version: "v1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c := dialTest(t, ext, TransportTCP)

	key := service.Key{Name: service.NameOf[Hello](), Group: "g1", Version: "v1"}
	if key != helloKey {
		t.Fatalf("derived key %v, want %v", key, helloKey)
	}
	if _, err := Call[string](ctx, c, key, "Hello", "world"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	// only the interface's methods are exposed
	_, err := Call[int](ctx, c, key, "Sum", 1, 2)
	if !errors.Is(err, ErrRemoteInvocation) {
		t.Errorf("Sum through the interface: got %v, want ErrRemoteInvocation", err)
	}
}

func TestPublishDerivesNameFromType(t *testing.T) {
	ctx := context.Background()
	ext := newTestExtensions(t)
	s := startServer(t, ext, TransportTCP)
	if err := s.Publish(ctx, &helloImpl{}, service.Key{Group: "g1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	addrs, err := memoryRegistry(t, ext).List(ctx, service.Key{Name: "rpcframe.helloImpl", Group: "g1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(addrs) != 1 {
		t.Errorf("addrs = %v, want one", addrs)
	}
}

func TestRemoteErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ext := newTestExtensions(t)
	s := startServer(t, ext, TransportTCP)
	if err := s.Publish(ctx, &helloImpl{}, helloKey); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c := dialTest(t, ext, TransportTCP, WithAddress(s.Addr()))

	_, err := c.Invoke(ctx, service.Key{Name: "missing"}, "Hello", "world")
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("unknown service: got %v, want ErrNotFound", err)
	}

	_, err = c.Invoke(ctx, helloKey, "Fail")
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != 500 || remote.Message != "boom" {
		t.Errorf("failing method: got %v, want 500 boom", err)
	}
	if !errors.Is(err, ErrRemoteInvocation) {
		t.Errorf("failing method: %v is not ErrRemoteInvocation", err)
	}

	_, err = c.Invoke(ctx, helloKey, "Hello", 42)
	if !errors.Is(err, ErrRemoteInvocation) {
		t.Errorf("wrong parameter types: got %v, want ErrRemoteInvocation", err)
	}
}

func TestDialRejectsUnknownNames(t *testing.T) {
	ext := newTestExtensions(t)
	tests := []struct {
		name string
		opt  DialOption
	}{
		{"transport", WithTransport("pigeon")},
		{"serializer", WithSerializer("yaml")},
		{"compressor", WithCompressor("lzma")},
		{"registry", WithRegistry("consul")},
		{"loadbalance", WithLoadBalance("leastconn")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Dial(WithExtensions(ext), WithRegistry("memory"), tt.opt, WithLogger(zap.NewNop()))
			if !errors.Is(err, extension.ErrUnsupported) {
				t.Errorf("got %v, want ErrUnsupported", err)
			}
		})
	}
}

func TestNoProviderRegistered(t *testing.T) {
	ctx := context.Background()
	ext := newTestExtensions(t)
	c := dialTest(t, ext, TransportTCP)

	_, err := c.Invoke(ctx, helloKey, "Hello", "world")
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestHTTPRegistryBackend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle(httpreg.DefaultPath, httpreg.NewServer(time.Minute, zap.NewNop()))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	cfg := config.Default()
	cfg.Registry.Backend = "http"
	cfg.Registry.Address = ts.Listener.Addr().String()

	s, err := Listen("127.0.0.1:0",
		WithServerConfig(cfg),
		WithAdvertiseAddr("127.0.0.1"),
		WithServerLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatal(err)
	}
	serveCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Serve(serveCtx) }()
	defer func() {
		stop()
		s.Close()
		<-done
	}()
	if err := s.Publish(ctx, &helloImpl{}, helloKey); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	c, err := Dial(WithConfig(cfg), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	got, err := Call[string](ctx, c, helloKey, "Hello", "world")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q", got)
	}
}
