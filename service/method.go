// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package service

import (
	"context"
	"fmt"
	"go/token"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/luxfi/rpcframe/internal/convert"
)

var (
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Method is one callable entry of a service's method table.
type Method struct {
	Name       string
	ParamTypes []reflect.Type
	signature  string
	takesCtx   bool
	hasResult  bool
	hasErr     bool
	fn         reflect.Value
	numCalls   atomic.Uint64
}

// Signature returns the parameter type descriptors joined by commas.
func (m *Method) Signature() string { return m.signature }

// NumCalls returns how many times the method was invoked.
func (m *Method) NumCalls() uint64 { return m.numCalls.Load() }

// Call invokes the method. args are converted to the declared parameter
// types; a panic inside the method is returned as ErrInvocation.
func (m *Method) Call(ctx context.Context, args []interface{}) (result interface{}, err error) {
	if len(args) != len(m.ParamTypes) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvocation, m.Name, len(m.ParamTypes), len(args))
	}
	in := make([]reflect.Value, 0, len(args)+1)
	if m.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range args {
		v, err := convert.To(a, m.ParamTypes[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s argument %d: %v", ErrInvocation, m.Name, i, err)
		}
		in = append(in, v)
	}

	m.numCalls.Add(1)
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %s panicked: %v\n%s", ErrInvocation, m.Name, r, debug.Stack())
		}
	}()
	out := m.fn.Call(in)

	if m.hasErr {
		if e := out[len(out)-1].Interface(); e != nil {
			return nil, e.(error)
		}
	}
	if m.hasResult {
		return out[0].Interface(), nil
	}
	return nil, nil
}

// Service is a local instance plus its method table.
type Service struct {
	Key     Key
	impl    interface{}
	methods map[string]*Method
	folded  map[string]*Method // lower-cased name, nil when ambiguous
}

// NewService builds the method table of impl. When iface is an interface
// type only its methods are exported, otherwise every exported method of
// impl with a supported shape is.
//
// Supported shapes are func([ctx context.Context,] args...) followed by
// (R, error), (error), (R) or nothing.
func NewService(key Key, impl interface{}, iface reflect.Type) (*Service, error) {
	if impl == nil {
		return nil, fmt.Errorf("service %s: nil implementation", key)
	}
	rv := reflect.ValueOf(impl)
	rt := rv.Type()
	if iface != nil {
		if iface.Kind() != reflect.Interface {
			return nil, fmt.Errorf("service %s: %s is not an interface", key, iface)
		}
		if !rt.Implements(iface) {
			return nil, fmt.Errorf("service %s: %s does not implement %s", key, rt, iface)
		}
	}

	s := &Service{Key: key, impl: impl, methods: make(map[string]*Method)}
	for i := 0; i < rt.NumMethod(); i++ {
		name := rt.Method(i).Name
		if !token.IsExported(name) {
			continue
		}
		if iface != nil {
			if _, ok := iface.MethodByName(name); !ok {
				continue
			}
		}
		if m, ok := newMethod(name, rv.Method(i)); ok {
			s.methods[name] = m
		}
	}
	if len(s.methods) == 0 {
		return nil, fmt.Errorf("service %s: %s has no callable methods", key, rt)
	}
	s.folded = make(map[string]*Method, len(s.methods))
	for name, m := range s.methods {
		lower := strings.ToLower(name)
		if _, dup := s.folded[lower]; dup {
			s.folded[lower] = nil
			continue
		}
		s.folded[lower] = m
	}
	return s, nil
}

func newMethod(name string, fn reflect.Value) (*Method, bool) {
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, false
	}
	m := &Method{Name: name, fn: fn}

	first := 0
	if ft.NumIn() > 0 && ft.In(0) == typeOfContext {
		m.takesCtx = true
		first = 1
	}
	descs := make([]string, 0, ft.NumIn())
	for i := first; i < ft.NumIn(); i++ {
		m.ParamTypes = append(m.ParamTypes, ft.In(i))
		descs = append(descs, TypeName(ft.In(i)))
	}
	m.signature = strings.Join(descs, ",")

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == typeOfError {
			m.hasErr = true
		} else {
			m.hasResult = true
		}
	case 2:
		if ft.Out(1) != typeOfError {
			return nil, false
		}
		m.hasResult, m.hasErr = true, true
	default:
		return nil, false
	}
	return m, true
}

// Method resolves name and parameter type descriptors to a method. Names
// match exactly first, then case-insensitively unless several methods share
// the folded name. Empty paramTypes skip the signature check.
func (s *Service) Method(name string, paramTypes []string) (*Method, error) {
	m, ok := s.methods[name]
	if !ok {
		m = s.folded[strings.ToLower(name)]
		ok = m != nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s has no method %q", ErrInvocation, s.Key, name)
	}
	if len(paramTypes) > 0 && strings.Join(paramTypes, ",") != m.signature {
		return nil, fmt.Errorf("%w: %s.%s(%s) called with (%s)", ErrInvocation, s.Key, m.Name, m.signature, strings.Join(paramTypes, ","))
	}
	return m, nil
}

// Methods returns the method names, sorted.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for n := range s.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Impl returns the instance behind the service.
func (s *Service) Impl() interface{} { return s.impl }
