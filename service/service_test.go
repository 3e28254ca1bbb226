// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package service

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

type Hello interface {
	Hello(name string) (string, error)
}

type Args struct {
	Num1, Num2 int
}

type helloImpl struct{ prefix string }

func (h *helloImpl) Hello(name string) (string, error) { return h.prefix + " " + name, nil }

func (h *helloImpl) Sum(ctx context.Context, args Args) (int, error) {
	return args.Num1 + args.Num2, nil
}

func (h *helloImpl) Fail() error { return errors.New("boom") }

func (h *helloImpl) Panic() string { panic("oops") }

func (h *helloImpl) Variadic(xs ...int) {}

func (h *helloImpl) sum(a, b int) int { return a + b }

func TestKeyCanonical(t *testing.T) {
	k := Key{Name: "Hello", Group: "g1", Version: "v1"}
	if got := k.Canonical(); got != "Hellog1v1" {
		t.Errorf("Canonical = %q", got)
	}
	if got := NameOf[Hello](); got != "service.Hello" {
		t.Errorf("NameOf = %q", got)
	}
}

func TestNewServiceMethodTable(t *testing.T) {
	s, err := NewService(Key{Name: "x"}, &helloImpl{prefix: "hello"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Fail", "Hello", "Panic", "Sum"}
	if got := s.Methods(); !reflect.DeepEqual(got, want) {
		t.Errorf("Methods = %v, want %v", got, want)
	}

	only, err := NewService(Key{Name: "x"}, &helloImpl{}, reflect.TypeOf((*Hello)(nil)).Elem())
	if err != nil {
		t.Fatal(err)
	}
	if got := only.Methods(); !reflect.DeepEqual(got, []string{"Hello"}) {
		t.Errorf("interface-restricted Methods = %v", got)
	}
}

func TestNewServiceRejectsNonImplementer(t *testing.T) {
	if _, err := NewService(Key{}, struct{}{}, reflect.TypeOf((*Hello)(nil)).Elem()); err == nil {
		t.Error("expected error")
	}
	if _, err := NewService(Key{}, nil, nil); err == nil {
		t.Error("expected error for nil implementation")
	}
}

func TestMethodCall(t *testing.T) {
	s, err := NewService(Key{Name: "x"}, &helloImpl{prefix: "hello"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m, err := s.Method("hello", []string{"string"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Call(ctx, []interface{}{"world"})
	if err != nil || got != "hello world" {
		t.Fatalf("Call = %v, %v", got, err)
	}
	if m.NumCalls() != 1 {
		t.Errorf("NumCalls = %d", m.NumCalls())
	}

	// generically decoded arguments are converted to the declared types
	sum, err := s.Method("Sum", []string{"service.Args"})
	if err != nil {
		t.Fatal(err)
	}
	got, err = sum.Call(ctx, []interface{}{map[string]interface{}{"Num1": float64(1), "Num2": float64(3)}})
	if err != nil || got != 4 {
		t.Fatalf("Sum = %v, %v", got, err)
	}
}

func TestMethodErrors(t *testing.T) {
	s, err := NewService(Key{Name: "x"}, &helloImpl{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := s.Method("Missing", nil); !errors.Is(err, ErrInvocation) {
		t.Errorf("missing method: %v", err)
	}
	if _, err := s.Method("Hello", []string{"int"}); !errors.Is(err, ErrInvocation) {
		t.Errorf("signature mismatch: %v", err)
	}

	fail, _ := s.Method("Fail", nil)
	if _, err := fail.Call(ctx, nil); err == nil || err.Error() != "boom" {
		t.Errorf("Fail = %v", err)
	}
	p, _ := s.Method("Panic", nil)
	if _, err := p.Call(ctx, nil); !errors.Is(err, ErrInvocation) {
		t.Errorf("Panic = %v", err)
	}
	h, _ := s.Method("Hello", nil)
	if _, err := h.Call(ctx, nil); !errors.Is(err, ErrInvocation) {
		t.Errorf("arity mismatch = %v", err)
	}
}

func TestTableAddIsIdempotent(t *testing.T) {
	tbl := NewTable(zap.NewNop())
	key := Key{Name: "Hello", Group: "g1", Version: "v1"}
	first := &helloImpl{prefix: "first"}

	added, err := tbl.Add(key, first, nil)
	if err != nil || !added {
		t.Fatalf("Add = %v, %v", added, err)
	}
	added, err = tbl.Add(key, &helloImpl{prefix: "second"}, nil)
	if err != nil || added {
		t.Fatalf("second Add = %v, %v", added, err)
	}
	s, err := tbl.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if s.Impl() != first {
		t.Error("second Add replaced the service")
	}
	if n := len(tbl.Keys()); n != 1 {
		t.Errorf("Keys has %d entries", n)
	}
}

func TestTableGetMissing(t *testing.T) {
	tbl := NewTable(zap.NewNop())
	if _, err := tbl.Get(Key{Name: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

type caseCollision struct{}

func (caseCollision) Get() string { return "Get" }

func (caseCollision) GET() string { return "GET" }

func (caseCollision) Put() string { return "Put" }

func TestMethodCaseFolding(t *testing.T) {
	s, err := NewService(Key{Name: "x"}, caseCollision{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Get", "GET"} {
		m, err := s.Method(name, nil)
		if err != nil || m.Name != name {
			t.Errorf("Method(%q) = %v, %v", name, m, err)
		}
	}
	if _, err := s.Method("get", nil); !errors.Is(err, ErrInvocation) {
		t.Errorf("ambiguous folded name resolved: %v", err)
	}
	if m, err := s.Method("PUT", nil); err != nil || m.Name != "Put" {
		t.Errorf("Method(PUT) = %v, %v", m, err)
	}
}
