// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/semaphore"

	"github.com/luxfi/rpcframe/internal/log"
	"github.com/luxfi/rpcframe/protocol"
)

const (
	defaultWorkers     = 256
	defaultIdleTimeout = 30 * time.Second
)

// tcpServer accepts framed connections and runs each request on a bounded
// worker pool.
type tcpServer struct {
	cfg      ServerConfig
	listener net.Listener
	workers  *semaphore.Weighted
	log      *zap.Logger

	conns  sync.Map // net.Conn -> struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

func newTCPServer(cfg ServerConfig) (*tcpServer, error) {
	if cfg.Handler == nil || cfg.Codec == nil {
		return nil, errors.New("tcp transport: handler and codec are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	l, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("tcp transport: listen %s: %w", cfg.Address, err)
	}
	if cfg.MaxConns > 0 {
		l = netutil.LimitListener(l, cfg.MaxConns)
	}
	return &tcpServer{
		cfg:      cfg,
		listener: l,
		workers:  semaphore.NewWeighted(cfg.Workers),
		log:      log.Named("tcp", cfg.Logger),
	}, nil
}

// Serve starts serving requests
func (s *tcpServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("tcp transport: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

type serverConn struct {
	net.Conn
	writeMu sync.Mutex
}

func (c *serverConn) send(codec *protocol.Codec, msg *protocol.Message) error {
	frame, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.Write(frame)
	return err
}

func (s *tcpServer) handleConn(ctx context.Context, nc net.Conn) {
	conn := &serverConn{Conn: nc}
	s.conns.Store(nc, struct{}{})
	defer func() {
		s.conns.Delete(nc)
		nc.Close()
	}()
	peer := nc.RemoteAddr().String()

	dec := s.cfg.Codec.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		if s.cfg.IdleTimeout > 0 {
			nc.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := nc.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				msg, derr := dec.Next()
				if derr != nil {
					s.log.Error("closing connection on bad frame", zap.String("peer", peer), zap.Error(derr))
					return
				}
				if msg == nil {
					break
				}
				if !s.dispatch(ctx, conn, msg) {
					return
				}
			}
		}
		if err != nil {
			var ne net.Error
			switch {
			case s.closed.Load(), errors.Is(err, io.EOF):
			case errors.As(err, &ne) && ne.Timeout():
				s.log.Info("closing idle connection", zap.String("peer", peer))
			default:
				s.log.Debug("connection lost", zap.String("peer", peer), zap.Error(err))
			}
			return
		}
	}
}

// dispatch handles one inbound message and reports whether the connection
// should stay open.
func (s *tcpServer) dispatch(ctx context.Context, conn *serverConn, msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypePing:
		pong := &protocol.Message{
			Type:      protocol.TypePong,
			Codec:     msg.Codec,
			Compress:  msg.Compress,
			RequestID: msg.RequestID,
		}
		if err := conn.send(s.cfg.Codec, pong); err != nil {
			s.log.Debug("pong failed", zap.Error(err))
			return false
		}
	case protocol.TypePong:
	case protocol.TypeRequest:
		req, ok := msg.Data.(*protocol.Request)
		if !ok {
			return true
		}
		if err := s.workers.Acquire(ctx, 1); err != nil {
			return false
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.workers.Release(1)
			s.respond(ctx, conn, msg, req)
		}()
	default:
		s.log.Warn("unexpected message", zap.Stringer("type", msg.Type))
	}
	return true
}

func (s *tcpServer) respond(ctx context.Context, conn *serverConn, in *protocol.Message, req *protocol.Request) {
	out := &protocol.Message{
		Type:      protocol.TypeResponse,
		Codec:     in.Codec,
		Compress:  in.Compress,
		RequestID: in.RequestID,
		Data:      s.cfg.Handler.Handle(ctx, req),
	}
	err := conn.send(s.cfg.Codec, out)
	if errors.Is(err, protocol.ErrSerialization) || errors.Is(err, protocol.ErrFrameTooLarge) {
		s.log.Warn("cannot encode response", zap.String("requestID", req.RequestID), zap.Error(err))
		out.Data = protocol.Failure(req.RequestID, protocol.CodeFail, err.Error())
		err = conn.send(s.cfg.Codec, out)
	}
	if err != nil {
		s.log.Debug("response not sent", zap.String("requestID", req.RequestID), zap.Error(err))
	}
}

// Close closes the server
func (s *tcpServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.listener.Close()
	s.conns.Range(func(key, _ interface{}) bool {
		key.(net.Conn).Close()
		return true
	})
	return err
}

// Addr returns the listener address
func (s *tcpServer) Addr() string {
	return s.listener.Addr().String()
}
