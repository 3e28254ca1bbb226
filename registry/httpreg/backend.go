// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package httpreg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/internal/log"
)

var ErrClosed = errors.New("httpreg: backend closed")

// Backend talks to a Server at url.
type Backend struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      *zap.Logger

	mu     sync.Mutex
	beats  map[string]context.CancelFunc // service path + "/" + addr
	closed bool
}

// NewBackend returns a Backend for the registry at rawURL, which may be a
// bare host:port. Registrations are refreshed every interval; zero uses one
// minute less than DefaultTimeout.
func NewBackend(rawURL string, interval time.Duration, logger *zap.Logger) *Backend {
	if interval <= 0 {
		interval = DefaultTimeout - time.Minute
	}
	return &Backend{
		url:      registryURL(rawURL),
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.Named("httpreg", logger),
		beats:    make(map[string]context.CancelFunc),
	}
}

// registryURL fills in the http scheme and DefaultPath when rawURL lacks
// them.
func registryURL(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}
	return u.String()
}

func (b *Backend) send(ctx context.Context, method, servicePath, addr string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderService, servicePath)
	if addr != "" {
		req.Header.Set(HeaderServer, addr)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpreg: %s %s: status %d", method, b.url, resp.StatusCode)
	}
	return resp, nil
}

// Register announces addr and keeps announcing it every interval until
// Deregister or Close.
func (b *Backend) Register(ctx context.Context, servicePath, addr string) error {
	if _, err := b.send(ctx, http.MethodPost, servicePath, addr); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	id := servicePath + "/" + addr
	if _, ok := b.beats[id]; ok {
		return nil
	}
	beatCtx, cancel := context.WithCancel(context.Background())
	b.beats[id] = cancel
	go b.heartbeat(beatCtx, servicePath, addr)
	return nil
}

func (b *Backend) heartbeat(ctx context.Context, servicePath, addr string) {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := b.send(ctx, http.MethodPost, servicePath, addr); err != nil && ctx.Err() == nil {
				b.log.Warn("heartbeat failed", zap.String("service", servicePath), zap.String("addr", addr), zap.Error(err))
			}
		}
	}
}

func (b *Backend) Deregister(ctx context.Context, servicePath, addr string) error {
	b.mu.Lock()
	if cancel, ok := b.beats[servicePath+"/"+addr]; ok {
		cancel()
		delete(b.beats, servicePath+"/"+addr)
	}
	b.mu.Unlock()
	_, err := b.send(ctx, http.MethodDelete, servicePath, addr)
	return err
}

func (b *Backend) Children(ctx context.Context, servicePath string) ([]string, error) {
	resp, err := b.send(ctx, http.MethodGet, servicePath, "")
	if err != nil {
		return nil, err
	}
	servers := strings.TrimSpace(resp.Header.Get(HeaderServers))
	if servers == "" {
		return nil, nil
	}
	var out []string
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// Close stops every heartbeat. The server expires the addresses after its
// timeout.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, cancel := range b.beats {
		cancel()
		delete(b.beats, id)
	}
	return nil
}
