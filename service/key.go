// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package service holds the provider side of rpcframe: service identity,
// the method table of a published instance and the table of local services.
package service

import (
	"errors"
	"reflect"
)

var (
	ErrNotFound   = errors.New("service: not found")
	ErrInvocation = errors.New("service: invocation failed")
)

// Key identifies a remotely callable service. Group separates several
// implementations of one interface, Version allows incompatible upgrades.
type Key struct {
	Name    string `json:"name" msgpack:"name"`
	Group   string `json:"group" msgpack:"group"`
	Version string `json:"version" msgpack:"version"`
}

// Canonical is the key as used in service tables and registry paths.
func (k Key) Canonical() string {
	return k.Name + k.Group + k.Version
}

func (k Key) String() string {
	return k.Canonical()
}

// NameOf returns the service name derived from the interface type I.
func NameOf[I any]() string {
	return TypeName(reflect.TypeOf((*I)(nil)).Elem())
}

// TypeName returns the name used for t on the wire.
func TypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer && t.Name() == "" {
		t = t.Elem()
	}
	return t.String()
}
