// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	rpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/luxfi/rpcframe/internal/log"
	"github.com/luxfi/rpcframe/protocol"
)

// JSONPath is the HTTP path of the JSON-RPC endpoint.
const JSONPath = "/rpcframe"

const (
	jsonMethod    = "Invoker.Invoke"
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

// jsonTransport carries requests as JSON-RPC 2.0 calls over HTTP. The
// serializer and compressor settings do not apply; bodies are always JSON.
type jsonTransport struct{}

func (jsonTransport) NewClient(cfg ClientConfig) (ClientTransport, error) {
	if cfg.Discovery == nil {
		return nil, errors.New("json transport: discovery is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &jsonClient{cfg: cfg, log: log.Named("json", cfg.Logger)}, nil
}

func (jsonTransport) NewServer(cfg ServerConfig) (ServerTransport, error) {
	if cfg.Handler == nil {
		return nil, errors.New("json transport: handler is required")
	}
	l, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("json transport: listen %s: %w", cfg.Address, err)
	}
	if cfg.MaxConns > 0 {
		l = netutil.LimitListener(l, cfg.MaxConns)
	}

	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&jsonInvoker{handler: cfg.Handler}, "Invoker"); err != nil {
		l.Close()
		return nil, fmt.Errorf("json transport: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(JSONPath, rpcServer)

	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}
	return &jsonServer{
		listener: l,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       idle,
		},
	}, nil
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:       (&net.Dialer{Timeout: timeout}).DialContext,
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

type jsonClient struct {
	cfg ClientConfig
	log *zap.Logger
}

func (c *jsonClient) SendRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	addr, err := c.cfg.Discovery.Lookup(ctx, req.ServiceKey())
	if err != nil {
		return nil, err
	}
	uri := "http://" + addr + JSONPath
	body, err := json2.EncodeClientRequest(jsonMethod, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrSerialization, err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// 500ms, 1s
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, c.ctxErr(ctx, req.RequestID, addr)
			case <-time.After(wait):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("json transport: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient(c.cfg.ConnectTimeout).Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, c.ctxErr(ctx, req.RequestID, addr)
			}
			lastErr = err
			c.log.Debug("request attempt failed",
				zap.String("addr", addr),
				zap.Int("attempt", attempt+1),
				zap.Bool("retryable", isRetryableError(err)),
				zap.Error(err),
			)
			if isRetryableError(err) {
				continue
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrConnection, addr, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return nil, fmt.Errorf("%w: %s returned status %d", ErrRemoteInvocation, addr, resp.StatusCode)
		}
		out := new(protocol.Response)
		err = json2.DecodeClientResponse(resp.Body, out)
		CleanlyCloseBody(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRemoteInvocation, addr, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrConnection, addr, maxRetries, lastErr)
}

func (c *jsonClient) ctxErr(ctx context.Context, requestID, addr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: request %s to %s", ErrRequestTimeout, requestID, addr)
	}
	return ctx.Err()
}

func (c *jsonClient) Close() error { return nil }

// jsonInvoker is the JSON-RPC service "Invoker".
type jsonInvoker struct {
	handler RequestHandler
}

func (i *jsonInvoker) Invoke(r *http.Request, args *protocol.Request, reply *protocol.Response) error {
	*reply = *i.handler.Handle(r.Context(), args)
	return nil
}

type jsonServer struct {
	listener net.Listener
	server   *http.Server
}

func (s *jsonServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.server.Close() })
	defer stop()
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("json transport: %w", err)
	}
	return nil
}

func (s *jsonServer) Close() error {
	err := s.server.Close()
	s.listener.Close()
	return err
}

func (s *jsonServer) Addr() string {
	return s.listener.Addr().String()
}
