// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package service

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/internal/log"
)

// Table maps canonical service keys to local services.
type Table struct {
	services sync.Map // canonical key -> *Service
	log      *zap.Logger
}

// NewTable returns an empty table. A nil logger uses the process logger.
func NewTable(logger *zap.Logger) *Table {
	return &Table{log: log.Named("service", logger)}
}

// Add stores impl under key. Adding a key that is already present is a
// no-op and reports false.
func (t *Table) Add(key Key, impl interface{}, iface reflect.Type) (bool, error) {
	name := key.Canonical()
	if _, ok := t.services.Load(name); ok {
		return false, nil
	}
	s, err := NewService(key, impl, iface)
	if err != nil {
		return false, err
	}
	if _, dup := t.services.LoadOrStore(name, s); dup {
		return false, nil
	}
	t.log.Info("add service",
		zap.String("service", name),
		zap.String("type", reflect.TypeOf(impl).String()),
		zap.Strings("methods", s.Methods()),
	)
	return true, nil
}

// Get returns the service stored under key.
func (t *Table) Get(key Key) (*Service, error) {
	v, ok := t.services.Load(key.Canonical())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v.(*Service), nil
}

// Keys returns the keys of every stored service.
func (t *Table) Keys() []Key {
	var keys []Key
	t.services.Range(func(_, v interface{}) bool {
		keys = append(keys, v.(*Service).Key)
		return true
	})
	return keys
}
