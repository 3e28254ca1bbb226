// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package loadbalance

import (
	"crypto/md5"
	"encoding/binary"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
)

// DefaultReplicas is the number of virtual nodes per address.
const DefaultReplicas = 160

// ConsistentHashStrategy keeps one ring per service key. A ring is rebuilt
// only when the fingerprint of the address set changes; the fingerprint does
// not depend on the order of the addresses.
type ConsistentHashStrategy struct {
	replicas int

	mu    sync.Mutex
	rings map[string]*Ring
}

// NewConsistentHash returns a strategy placing replicas virtual nodes per
// address. replicas is rounded up to a multiple of four.
func NewConsistentHash(replicas int) *ConsistentHashStrategy {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &ConsistentHashStrategy{
		replicas: replicas,
		rings:    make(map[string]*Ring),
	}
}

func (s *ConsistentHashStrategy) Pick(addrs []string, serviceKey string) string {
	return s.ring(addrs, serviceKey).Get(serviceKey)
}

func (s *ConsistentHashStrategy) ring(addrs []string, serviceKey string) *Ring {
	fp := fingerprint(addrs)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[serviceKey]
	if !ok || r.fingerprint != fp {
		r = NewRing(addrs, s.replicas)
		s.rings[serviceKey] = r
	}
	return r
}

func fingerprint(addrs []string) uint64 {
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	h := fnv.New64a()
	for _, a := range sorted {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Ring maps 32 bit hashes to addresses.
type Ring struct {
	fingerprint uint64
	keys        []uint32 // sorted
	nodes       map[uint32]string
}

// NewRing places replicas virtual nodes for each address. Every md5 digest
// of address+index yields four positions.
func NewRing(addrs []string, replicas int) *Ring {
	r := &Ring{
		fingerprint: fingerprint(addrs),
		nodes:       make(map[uint32]string, len(addrs)*replicas),
	}
	for _, addr := range addrs {
		for i := 0; i < (replicas+3)/4; i++ {
			digest := md5.Sum([]byte(addr + strconv.Itoa(i)))
			for h := 0; h < 4; h++ {
				pos := position(digest, h)
				if _, ok := r.nodes[pos]; !ok {
					r.keys = append(r.keys, pos)
				}
				r.nodes[pos] = addr
			}
		}
	}
	sort.Slice(r.keys, func(i, j int) bool { return r.keys[i] < r.keys[j] })
	return r
}

func position(digest [md5.Size]byte, h int) uint32 {
	return binary.LittleEndian.Uint32(digest[h*4 : h*4+4])
}

// Hash returns the ring position of key.
func Hash(key string) uint32 {
	return position(md5.Sum([]byte(key)), 0)
}

// Get returns the address owning the first position at or after the hash
// of key, wrapping around to the first position.
func (r *Ring) Get(key string) string {
	return r.Locate(Hash(key))
}

// Locate returns the address owning the first position at or after hash.
func (r *Ring) Locate(hash uint32) string {
	if len(r.keys) == 0 {
		return ""
	}
	i := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= hash })
	if i == len(r.keys) {
		i = 0
	}
	return r.nodes[r.keys[i]]
}

// Len returns the number of positions on the ring.
func (r *Ring) Len() int { return len(r.keys) }
