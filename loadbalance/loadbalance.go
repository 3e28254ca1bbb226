// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package loadbalance picks one address out of the instances of a service.
package loadbalance

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

var ErrNoAddress = errors.New("loadbalance: no address to select from")

// Capability is the extension capability of strategies.
const Capability = "loadbalance"

// Names of the built-in strategies.
const (
	Random         = "random"
	RoundRobin     = "roundrobin"
	ConsistentHash = "consistenthash"
)

// Strategy chooses among two or more addresses.
type Strategy interface {
	Pick(addrs []string, serviceKey string) string
}

// Balancer applies the shared preconditions before delegating to its
// strategy: no addresses is an error, one address is returned as is.
type Balancer struct {
	strategy Strategy
}

// New returns a Balancer over s.
func New(s Strategy) *Balancer {
	return &Balancer{strategy: s}
}

// Select returns one of addrs for serviceKey.
func (b *Balancer) Select(addrs []string, serviceKey string) (string, error) {
	switch len(addrs) {
	case 0:
		return "", ErrNoAddress
	case 1:
		return addrs[0], nil
	}
	return b.strategy.Pick(addrs, serviceKey), nil
}

// RandomStrategy picks uniformly.
type RandomStrategy struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandom returns a RandomStrategy seeded from the clock.
func NewRandom() *RandomStrategy {
	return &RandomStrategy{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *RandomStrategy) Pick(addrs []string, _ string) string {
	s.mu.Lock()
	i := s.r.Intn(len(addrs))
	s.mu.Unlock()
	return addrs[i]
}

// RoundRobinStrategy cycles through the addresses in order.
type RoundRobinStrategy struct {
	next atomic.Uint64
}

func (s *RoundRobinStrategy) Pick(addrs []string, _ string) string {
	i := s.next.Add(1) - 1
	return addrs[i%uint64(len(addrs))]
}
