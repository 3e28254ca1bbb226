// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"fmt"
	"sync"

	"github.com/luxfi/rpcframe/protocol"
)

type result struct {
	resp *protocol.Response
	err  error
}

type pendingCall struct {
	ch   chan result // buffered, receives exactly once
	conn *tcpChannel
}

// pendingTable tracks requests awaiting a response, keyed by request id.
// Every entry is completed exactly once: by its response, by a failure of
// its connection, or by removal on timeout.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (t *pendingTable) put(id string, conn *tcpChannel) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	call := &pendingCall{ch: make(chan result, 1), conn: conn}
	t.calls[id] = call
	return call, nil
}

func (t *pendingTable) take(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return call
}

// complete delivers resp to its caller. It reports false when nobody is
// waiting for the request id.
func (t *pendingTable) complete(resp *protocol.Response) bool {
	call := t.take(resp.RequestID)
	if call == nil {
		return false
	}
	call.ch <- result{resp: resp}
	return true
}

func (t *pendingTable) fail(id string, err error) bool {
	call := t.take(id)
	if call == nil {
		return false
	}
	call.ch <- result{err: err}
	return true
}

// failConn fails every call in flight on conn, or every call when conn is nil.
func (t *pendingTable) failConn(conn *tcpChannel, err error) int {
	t.mu.Lock()
	var failed []*pendingCall
	for id, call := range t.calls {
		if conn == nil || call.conn == conn {
			failed = append(failed, call)
			delete(t.calls, id)
		}
	}
	t.mu.Unlock()

	for _, call := range failed {
		call.ch <- result{err: err}
	}
	return len(failed)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
