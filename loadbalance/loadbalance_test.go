// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package loadbalance

import (
	"errors"
	"fmt"
	"testing"
)

func strategies() map[string]Strategy {
	return map[string]Strategy{
		Random:         NewRandom(),
		RoundRobin:     &RoundRobinStrategy{},
		ConsistentHash: NewConsistentHash(0),
	}
}

func TestSelectPreconditions(t *testing.T) {
	for name, s := range strategies() {
		b := New(s)
		if _, err := b.Select(nil, "svc"); !errors.Is(err, ErrNoAddress) {
			t.Errorf("%s: empty list err = %v", name, err)
		}
		for i := 0; i < 10; i++ {
			got, err := b.Select([]string{"10.0.0.1:9000"}, fmt.Sprint("svc", i))
			if err != nil || got != "10.0.0.1:9000" {
				t.Errorf("%s: single = %q, %v", name, got, err)
			}
		}
	}
}

func TestSelectReturnsCandidate(t *testing.T) {
	addrs := []string{"a:1", "b:1", "c:1"}
	for name, s := range strategies() {
		b := New(s)
		for i := 0; i < 30; i++ {
			got, err := b.Select(addrs, "svc")
			if err != nil {
				t.Fatal(err)
			}
			if got != "a:1" && got != "b:1" && got != "c:1" {
				t.Errorf("%s: selected %q", name, got)
			}
		}
	}
}

func TestRoundRobinCycles(t *testing.T) {
	b := New(&RoundRobinStrategy{})
	addrs := []string{"a:1", "b:1", "c:1"}
	for i := 0; i < 6; i++ {
		got, _ := b.Select(addrs, "svc")
		if want := addrs[i%3]; got != want {
			t.Errorf("call %d: %q, want %q", i, got, want)
		}
	}
}

func TestConsistentHashDeterministic(t *testing.T) {
	s := NewConsistentHash(DefaultReplicas)
	addrs := []string{"10.0.0.1:9000", "10.0.0.2:9000", "10.0.0.3:9000", "10.0.0.4:9000"}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("service-%d", i)
		first := s.Pick(addrs, key)
		for j := 0; j < 5; j++ {
			if got := s.Pick(addrs, key); got != first {
				t.Fatalf("%s: %q then %q", key, first, got)
			}
		}
	}
}

func TestConsistentHashRingCaching(t *testing.T) {
	s := NewConsistentHash(DefaultReplicas)
	addrs := []string{"a:1", "b:1", "c:1"}
	r1 := s.ring(addrs, "svc")
	// same content in a new slice and another order keeps the ring
	r2 := s.ring([]string{"c:1", "a:1", "b:1"}, "svc")
	if r1 != r2 {
		t.Error("ring rebuilt for an unchanged address set")
	}
	r3 := s.ring([]string{"a:1", "b:1"}, "svc")
	if r3 == r1 {
		t.Error("ring not rebuilt after the address set changed")
	}
	if other := s.ring(addrs, "other"); other == r3 {
		t.Error("service keys share a ring")
	}
}

func TestRingVirtualNodes(t *testing.T) {
	r := NewRing([]string{"a:1", "b:1"}, DefaultReplicas)
	if r.Len() < 2*DefaultReplicas-4 || r.Len() > 2*DefaultReplicas {
		t.Errorf("ring has %d positions", r.Len())
	}
	if got := NewRing(nil, DefaultReplicas).Get("x"); got != "" {
		t.Errorf("empty ring returned %q", got)
	}
}

func TestRingWrapsAround(t *testing.T) {
	r := NewRing([]string{"a:1", "b:1", "c:1"}, DefaultReplicas)
	first := r.nodes[r.keys[0]]
	if got := r.Locate(r.keys[len(r.keys)-1] + 1); r.keys[len(r.keys)-1] != ^uint32(0) && got != first {
		t.Errorf("past the last position got %q, want %q", got, first)
	}
	if got := r.Locate(0); got != first {
		t.Errorf("Locate(0) = %q, want %q", got, first)
	}
}

func TestRingRemovalRemapsOnlyRemovedAddress(t *testing.T) {
	addrs := []string{"10.0.0.1:9000", "10.0.0.2:9000", "10.0.0.3:9000", "10.0.0.4:9000", "10.0.0.5:9000"}
	removed := addrs[2]
	before := NewRing(addrs, DefaultReplicas)
	after := NewRing(append(append([]string(nil), addrs[:2]...), addrs[3:]...), DefaultReplicas)

	moved := 0
	const keys = 5000
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("com.example.Service-%d", i)
		was, now := before.Get(key), after.Get(key)
		if was != removed && was != now {
			t.Fatalf("%s moved from %q to %q", key, was, now)
		}
		if now == removed {
			t.Fatalf("%s still maps to the removed address", key)
		}
		if was == removed {
			moved++
		}
	}
	if moved == 0 || moved > keys/2 {
		t.Errorf("%d of %d keys moved", moved, keys)
	}
}
