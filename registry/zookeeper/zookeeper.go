// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package zookeeper is a registry backend on Apache ZooKeeper. Address nodes
// are ephemeral, so they vanish with the session of the process that
// created them. Children lists are cached and refreshed by watches.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/internal/log"
)

// DefaultSessionTimeout is used when none is configured.
const DefaultSessionTimeout = 30 * time.Second

// conn is the part of *zk.Conn the backend uses.
type conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Close()
}

// Backend stores address nodes in ZooKeeper.
type Backend struct {
	conn conn
	log  *zap.Logger

	mu    sync.Mutex
	cache map[string][]string // service path -> children
	done  chan struct{}
	once  sync.Once
}

// Dial connects to the comma separated ZooKeeper servers in addrs.
func Dial(addrs string, sessionTimeout time.Duration, logger *zap.Logger) (*Backend, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	servers := strings.Split(addrs, ",")
	for i := range servers {
		servers[i] = strings.TrimSpace(servers[i])
	}
	logger = log.Named("zookeeper", logger)
	c, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{logger}))
	if err != nil {
		return nil, fmt.Errorf("zookeeper: connect %s: %w", addrs, err)
	}
	return newBackend(c, logger), nil
}

func newBackend(c conn, logger *zap.Logger) *Backend {
	return &Backend{
		conn:  c,
		log:   log.Named("zookeeper", logger),
		cache: make(map[string][]string),
		done:  make(chan struct{}),
	}
}

// ensurePath creates every missing persistent node of p.
func (b *Backend) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		cur += "/" + part
		_, err := b.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("zookeeper: create %s: %w", cur, err)
		}
	}
	return nil
}

func (b *Backend) Register(ctx context.Context, servicePath, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.ensurePath(servicePath); err != nil {
		return err
	}
	node := path.Join(servicePath, addr)
	_, err := b.conn.Create(node, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		b.log.Info("service address already registered", zap.String("path", node))
		return nil
	}
	if err != nil {
		return fmt.Errorf("zookeeper: create %s: %w", node, err)
	}
	return nil
}

func (b *Backend) Deregister(ctx context.Context, servicePath, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	node := path.Join(servicePath, addr)
	if err := b.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("zookeeper: delete %s: %w", node, err)
	}
	return nil
}

// Children returns the cached children of servicePath, fetching them and
// installing a watch on first use.
func (b *Backend) Children(ctx context.Context, servicePath string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	children, ok := b.cache[servicePath]
	b.mu.Unlock()
	if ok {
		return children, nil
	}
	return b.watch(servicePath)
}

func (b *Backend) watch(servicePath string) ([]string, error) {
	children, _, events, err := b.conn.ChildrenW(servicePath)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("zookeeper: children %s: %w", servicePath, err)
	}
	b.mu.Lock()
	b.cache[servicePath] = children
	b.mu.Unlock()

	go func() {
		select {
		case ev := <-events:
			b.mu.Lock()
			delete(b.cache, servicePath)
			b.mu.Unlock()
			if ev.Type == zk.EventNodeChildrenChanged {
				if _, err := b.watch(servicePath); err != nil {
					b.log.Warn("refresh children failed", zap.String("path", servicePath), zap.Error(err))
				}
			}
		case <-b.done:
		}
	}()
	return children, nil
}

func (b *Backend) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.conn.Close()
	})
	return nil
}

type zkLogger struct{ l *zap.Logger }

func (z zkLogger) Printf(format string, args ...interface{}) {
	z.l.Sugar().Debugf(format, args...)
}
