// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package httpreg is a small HTTP registry: a server that keeps addresses
// alive for a timeout after their last heartbeat, and a backend that
// registers against it and keeps sending heartbeats.
package httpreg

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/internal/log"
)

const (
	DefaultPath    = "/_rpcframe/registry"
	DefaultTimeout = 5 * time.Minute

	HeaderServers = "X-Rpcframe-Servers"
	HeaderServer  = "X-Rpcframe-Server"
	HeaderService = "X-Rpcframe-Service"
)

type item struct {
	addr  string
	start time.Time
}

// Server holds registrations in memory.
type Server struct {
	timeout time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	services map[string]map[string]*item // service path -> addr -> item
}

// NewServer returns a Server expiring addresses timeout after their last
// heartbeat. A zero timeout never expires them.
func NewServer(timeout time.Duration, logger *zap.Logger) *Server {
	return &Server{
		timeout:  timeout,
		log:      log.Named("httpreg", logger),
		services: make(map[string]map[string]*item),
	}
}

func (s *Server) put(servicePath, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.services[servicePath]
	if !ok {
		set = make(map[string]*item)
		s.services[servicePath] = set
	}
	if it, ok := set[addr]; ok {
		it.start = time.Now()
		return
	}
	set[addr] = &item{addr: addr, start: time.Now()}
}

func (s *Server) remove(servicePath, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.services[servicePath]; ok {
		delete(set, addr)
		if len(set) == 0 {
			delete(s.services, servicePath)
		}
	}
}

func (s *Server) alive(servicePath string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for addr, it := range s.services[servicePath] {
		if s.timeout == 0 || time.Since(it.start) < s.timeout {
			out = append(out, addr)
		} else {
			delete(s.services[servicePath], addr)
		}
	}
	sort.Strings(out)
	return out
}

// ServeHTTP answers GET with the alive addresses of a service, POST with a
// registration or heartbeat and DELETE with a deregistration.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	servicePath := req.Header.Get(HeaderService)
	if servicePath == "" {
		servicePath = req.URL.Query().Get("service")
	}
	if servicePath == "" {
		http.Error(w, "service is required", http.StatusBadRequest)
		return
	}

	switch req.Method {
	case http.MethodGet:
		w.Header().Set(HeaderServers, strings.Join(s.alive(servicePath), ","))
	case http.MethodPost, http.MethodDelete:
		addr := req.Header.Get(HeaderServer)
		if addr == "" {
			http.Error(w, "server address is required", http.StatusBadRequest)
			return
		}
		if req.Method == http.MethodPost {
			s.put(servicePath, addr)
			s.log.Debug("heartbeat", zap.String("service", servicePath), zap.String("addr", addr))
		} else {
			s.remove(servicePath, addr)
			s.log.Info("deregistered", zap.String("service", servicePath), zap.String("addr", addr))
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
