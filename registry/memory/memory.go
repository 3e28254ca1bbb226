// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package memory is an in-process registry backend. Nodes disappear when
// the backend that created them is closed, which stands in for the end of
// a coordination session.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrClosed = errors.New("memory registry: closed")

// Backend keeps nodes in a map.
type Backend struct {
	mu     sync.RWMutex
	nodes  map[string]map[string]struct{} // service path -> addresses
	closed bool
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{nodes: make(map[string]map[string]struct{})}
}

func (b *Backend) Register(_ context.Context, servicePath, addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	set, ok := b.nodes[servicePath]
	if !ok {
		set = make(map[string]struct{})
		b.nodes[servicePath] = set
	}
	set[addr] = struct{}{}
	return nil
}

func (b *Backend) Deregister(_ context.Context, servicePath, addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if set, ok := b.nodes[servicePath]; ok {
		delete(set, addr)
		if len(set) == 0 {
			delete(b.nodes, servicePath)
		}
	}
	return nil
}

func (b *Backend) Children(_ context.Context, servicePath string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	set := b.nodes[servicePath]
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.nodes = nil
	return nil
}
