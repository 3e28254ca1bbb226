// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/luxfi/rpcframe/internal/log"
	"github.com/luxfi/rpcframe/protocol"
)

const (
	defaultConnectTimeout      = 5 * time.Second
	defaultHeartbeatInterval   = 5 * time.Second
	defaultMaxMissedHeartbeats = 3
	writeTimeout               = 30 * time.Second
	readBufferSize             = 32 * 1024
)

// tcpTransport carries frames over plain TCP connections.
type tcpTransport struct{}

func (tcpTransport) NewClient(cfg ClientConfig) (ClientTransport, error) {
	if cfg.Discovery == nil || cfg.Codec == nil {
		return nil, errors.New("tcp transport: discovery and codec are required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = defaultMaxMissedHeartbeats
	}
	return &tcpClient{
		cfg:     cfg,
		log:     log.Named("tcp", cfg.Logger),
		pending: newPendingTable(),
	}, nil
}

func (tcpTransport) NewServer(cfg ServerConfig) (ServerTransport, error) {
	return newTCPServer(cfg)
}

// tcpClient multiplexes requests over one cached connection per address.
type tcpClient struct {
	cfg     ClientConfig
	log     *zap.Logger
	pending *pendingTable

	channels sync.Map // addr -> *tcpChannel
	dials    singleflight.Group
	closed   atomic.Bool
}

func (c *tcpClient) SendRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	addr, err := c.cfg.Discovery.Lookup(ctx, req.ServiceKey())
	if err != nil {
		return nil, err
	}
	ch, err := c.channel(ctx, addr)
	if err != nil {
		return nil, err
	}
	call, err := c.pending.put(req.RequestID, ch)
	if err != nil {
		return nil, err
	}

	msg := &protocol.Message{
		Type:     protocol.TypeRequest,
		Codec:    c.cfg.CodecID,
		Compress: c.cfg.CompressID,
		Data:     req,
	}
	if err := ch.write(msg); err != nil {
		if errors.Is(err, ErrConnection) {
			ch.shutdown(err)
		}
		c.pending.fail(req.RequestID, err)
	}

	select {
	case r := <-call.ch:
		return r.resp, r.err
	case <-ctx.Done():
		if c.pending.take(req.RequestID) == nil {
			// completed while we were giving up
			r := <-call.ch
			return r.resp, r.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request %s to %s", ErrRequestTimeout, req.RequestID, addr)
		}
		return nil, ctx.Err()
	}
}

// channel returns the live connection to addr, dialing at most once for
// concurrent callers.
func (c *tcpClient) channel(ctx context.Context, addr string) (*tcpChannel, error) {
	if v, ok := c.channels.Load(addr); ok {
		ch := v.(*tcpChannel)
		if ch.active() {
			return ch, nil
		}
		c.channels.CompareAndDelete(addr, ch)
	}

	v, err, _ := c.dials.Do(addr, func() (interface{}, error) {
		if v, ok := c.channels.Load(addr); ok && v.(*tcpChannel).active() {
			return v, nil
		}
		ch, err := c.connect(ctx, addr)
		if err != nil {
			return nil, err
		}
		c.channels.Store(addr, ch)
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tcpChannel), nil
}

func (c *tcpClient) connect(ctx context.Context, addr string) (*tcpChannel, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	if c.closed.Load() {
		conn.Close()
		return nil, ErrClosed
	}

	ch := &tcpChannel{
		client: c,
		addr:   addr,
		conn:   conn,
		done:   make(chan struct{}),
	}
	now := time.Now().UnixNano()
	ch.lastRead.Store(now)
	ch.lastWrite.Store(now)
	go ch.readLoop()
	go ch.heartbeat(c.cfg.HeartbeatInterval, c.cfg.MaxMissedHeartbeats)

	c.log.Debug("connected", zap.String("addr", addr))
	return ch, nil
}

// Close fails everything in flight and closes every connection.
func (c *tcpClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.channels.Range(func(_, v interface{}) bool {
		v.(*tcpChannel).shutdown(ErrClosed)
		return true
	})
	c.pending.failConn(nil, ErrClosed)
	return nil
}

// tcpChannel is one client connection.
type tcpChannel struct {
	client *tcpClient
	addr   string
	conn   net.Conn

	writeMu   sync.Mutex
	seq       atomic.Uint32
	lastRead  atomic.Int64
	lastWrite atomic.Int64
	closed    atomic.Bool
	done      chan struct{}
}

func (ch *tcpChannel) active() bool { return !ch.closed.Load() }

// write frames msg with the next sequence number of the connection.
// Encoding failures are returned as is; write failures and writes on a
// closed connection wrap ErrConnection.
func (ch *tcpChannel) write(msg *protocol.Message) error {
	if ch.closed.Load() {
		return fmt.Errorf("%w: %w: %s", ErrConnection, ErrClosed, ch.addr)
	}
	msg.RequestID = ch.seq.Add(1)
	frame, err := ch.client.cfg.Codec.Encode(msg)
	if err != nil {
		return err
	}

	ch.writeMu.Lock()
	ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = ch.conn.Write(frame)
	ch.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrConnection, ch.addr, err)
	}
	ch.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (ch *tcpChannel) readLoop() {
	dec := ch.client.cfg.Codec.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := ch.conn.Read(buf)
		if n > 0 {
			ch.lastRead.Store(time.Now().UnixNano())
			dec.Write(buf[:n])
			for {
				msg, derr := dec.Next()
				if derr != nil {
					ch.client.log.Error("dropping connection on bad frame",
						zap.String("addr", ch.addr),
						zap.Error(derr),
					)
					ch.shutdown(fmt.Errorf("%w: %s: %v", ErrConnection, ch.addr, derr))
					return
				}
				if msg == nil {
					break
				}
				ch.dispatch(msg)
			}
		}
		if err != nil {
			if !ch.closed.Load() {
				ch.client.log.Debug("connection lost", zap.String("addr", ch.addr), zap.Error(err))
			}
			ch.shutdown(fmt.Errorf("%w: read %s: %v", ErrConnection, ch.addr, err))
			return
		}
	}
}

func (ch *tcpChannel) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeResponse:
		resp, ok := msg.Data.(*protocol.Response)
		if !ok {
			return
		}
		if !ch.client.pending.complete(resp) {
			ch.client.log.Warn("response for unknown request",
				zap.String("addr", ch.addr),
				zap.String("requestID", resp.RequestID),
			)
		}
	case protocol.TypePong:
		// lastRead is already refreshed
	case protocol.TypePing:
		pong := &protocol.Message{Type: protocol.TypePong, Codec: msg.Codec, Compress: msg.Compress}
		if err := ch.write(pong); err != nil {
			ch.shutdown(err)
		}
	default:
		ch.client.log.Warn("unexpected message", zap.String("addr", ch.addr), zap.Stringer("type", msg.Type))
	}
}

// heartbeat pings the peer once the connection has not written for interval
// and closes it after maxMissed intervals without any read.
func (ch *tcpChannel) heartbeat(interval time.Duration, maxMissed int) {
	tick := interval / 2
	if tick <= 0 {
		tick = interval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	deadAfter := interval * time.Duration(maxMissed)
	for {
		select {
		case <-ch.done:
			return
		case t := <-ticker.C:
			now := t.UnixNano()
			if time.Duration(now-ch.lastRead.Load()) >= deadAfter {
				ch.client.log.Warn("peer missed heartbeats, closing",
					zap.String("addr", ch.addr),
					zap.Int("missed", maxMissed),
				)
				ch.shutdown(fmt.Errorf("%w: %s missed %d heartbeats", ErrConnection, ch.addr, maxMissed))
				return
			}
			if time.Duration(now-ch.lastWrite.Load()) < interval {
				continue
			}
			ping := &protocol.Message{
				Type:     protocol.TypePing,
				Codec:    ch.client.cfg.CodecID,
				Compress: ch.client.cfg.CompressID,
			}
			if err := ch.write(ping); err != nil {
				ch.shutdown(err)
				return
			}
		}
	}
}

// shutdown closes the connection, drops it from the cache and fails its
// pending calls with err.
func (ch *tcpChannel) shutdown(err error) {
	if ch.closed.Swap(true) {
		return
	}
	close(ch.done)
	ch.conn.Close()
	ch.client.channels.CompareAndDelete(ch.addr, ch)
	if n := ch.client.pending.failConn(ch, err); n > 0 {
		ch.client.log.Debug("failed pending requests",
			zap.String("addr", ch.addr),
			zap.Int("count", n),
			zap.Error(err),
		)
	}
}
