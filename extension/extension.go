// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package extension resolves pluggable implementations by short name.
//
// Each capability (serializer, compressor, registry, transport, loadbalance)
// has a descriptor file named after it under the "extensions" directory of
// every file system handed to New. A descriptor holds one mapping per line:
//
//	# comment
//	gzip=compress/gzip
//
// The right-hand side names a factory registered with Registry.Provide. The
// name table of a capability is parsed once and instances are created once
// per name, so a Registry should live as long as the process that owns it.
package extension

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// Dir is the directory descriptors are read from.
const Dir = "extensions"

var (
	ErrUnsupported = errors.New("extension: unsupported extension")
	ErrEmptyName   = errors.New("extension: empty name")
)

// Properties is the configuration handed to factories.
type Properties map[string]string

// Get returns the value for key, or def when it is unset.
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Factory builds a new instance of an extension.
type Factory func(props Properties) (interface{}, error)

// Registry maps implementation identifiers to factories and hands out typed
// loaders per capability.
type Registry struct {
	fsys  []fs.FS
	props Properties

	mu        sync.RWMutex
	factories map[string]Factory
	loaders   map[string]interface{}
}

// New returns a Registry reading descriptors from fsys, in order. A mapping
// in a later file system overrides the same name from an earlier one.
func New(props Properties, fsys ...fs.FS) *Registry {
	if props == nil {
		props = Properties{}
	}
	return &Registry{
		fsys:      fsys,
		props:     props,
		factories: make(map[string]Factory),
		loaders:   make(map[string]interface{}),
	}
}

// Provide registers the factory for an implementation identifier.
func (r *Registry) Provide(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Properties returns the properties handed to factories.
func (r *Registry) Properties() Properties {
	return r.props
}

// Close closes every created extension that implements io.Closer and
// forgets it, so a later Get creates a fresh instance.
func (r *Registry) Close() error {
	r.mu.RLock()
	loaders := make([]closer, 0, len(r.loaders))
	for _, l := range r.loaders {
		loaders = append(loaders, l.(closer))
	}
	r.mu.RUnlock()

	var err error
	for _, l := range loaders {
		err = multierr.Append(err, l.closeAll())
	}
	return err
}

type closer interface {
	closeAll() error
}

func (r *Registry) factory(id string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	return f, ok
}

// Load returns the loader of capability for r. Loaders are cached, so every
// call with the same capability returns the same loader.
func Load[T any](r *Registry, capability string) *Loader[T] {
	r.mu.RLock()
	l, ok := r.loaders[capability]
	r.mu.RUnlock()
	if ok {
		return l.(*Loader[T])
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loaders[capability]; ok {
		return l.(*Loader[T])
	}
	loader := &Loader[T]{reg: r, capability: capability}
	r.loaders[capability] = loader
	return loader
}

// Loader creates and caches the extensions of one capability.
type Loader[T any] struct {
	reg        *Registry
	capability string

	namesOnce sync.Once
	names     map[string]string
	namesErr  error

	instances sync.Map // name -> *holder[T]
}

type holder[T any] struct {
	once sync.Once
	val  T
	err  error
}

// Capability returns the capability name of the loader.
func (l *Loader[T]) Capability() string {
	return l.capability
}

// Get returns the singleton registered under name, creating it on first use.
func (l *Loader[T]) Get(name string) (T, error) {
	var zero T
	if name == "" {
		return zero, ErrEmptyName
	}
	v, _ := l.instances.LoadOrStore(name, &holder[T]{})
	h := v.(*holder[T])
	h.once.Do(func() {
		h.val, h.err = l.create(name)
	})
	if h.err != nil {
		// allow a later call to retry
		l.instances.CompareAndDelete(name, h)
		return zero, h.err
	}
	return h.val, nil
}

// Names returns every name known for the capability, sorted.
func (l *Loader[T]) Names() ([]string, error) {
	names, err := l.table()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Has reports whether name is mapped for the capability.
func (l *Loader[T]) Has(name string) bool {
	names, err := l.table()
	if err != nil {
		return false
	}
	_, ok := names[name]
	return ok
}

func (l *Loader[T]) closeAll() error {
	var err error
	l.instances.Range(func(name, v interface{}) bool {
		h := v.(*holder[T])
		h.once.Do(func() {}) // wait for a creation in flight
		l.instances.Delete(name)
		if h.err != nil {
			return true
		}
		if c, ok := interface{}(h.val).(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
		return true
	})
	return err
}

func (l *Loader[T]) create(name string) (T, error) {
	var zero T
	names, err := l.table()
	if err != nil {
		return zero, err
	}
	id, ok := names[name]
	if !ok {
		return zero, fmt.Errorf("%w: %s %q", ErrUnsupported, l.capability, name)
	}
	f, ok := l.reg.factory(id)
	if !ok {
		return zero, fmt.Errorf("%w: %s %q: no factory for %q", ErrUnsupported, l.capability, name, id)
	}
	v, err := f(l.reg.props)
	if err != nil {
		return zero, fmt.Errorf("extension: create %s %q: %w", l.capability, name, err)
	}
	inst, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s %q: %T does not implement the capability", ErrUnsupported, l.capability, name, v)
	}
	return inst, nil
}

func (l *Loader[T]) table() (map[string]string, error) {
	l.namesOnce.Do(func() {
		l.names = make(map[string]string)
		file := path.Join(Dir, l.capability)
		for _, fsys := range l.reg.fsys {
			f, err := fsys.Open(file)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				l.namesErr = fmt.Errorf("extension: open %s: %w", file, err)
				return
			}
			err = ParseDescriptor(f, l.names)
			f.Close()
			if err != nil {
				l.namesErr = fmt.Errorf("extension: parse %s: %w", file, err)
				return
			}
		}
	})
	return l.names, l.namesErr
}

// ParseDescriptor reads name=identifier lines from r into dst. Blank lines
// and text after '#' are ignored.
func ParseDescriptor(r io.Reader, dst map[string]string) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, id, ok := strings.Cut(line, "=")
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if !ok || name == "" || id == "" {
			return fmt.Errorf("line %d: want name=identifier, got %q", lineNo, line)
		}
		dst[name] = id
	}
	return sc.Err()
}
