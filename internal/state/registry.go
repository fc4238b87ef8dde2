package state

import (
	"reflect"
	"sort"
	"sync"
)

// Registry is a process-wide typed key/value store for configuration and
// singletons. Reads happen on every request, writes only at startup or on
// rebind, so it runs a plain reader-writer discipline.
type Registry struct {
	mu     sync.RWMutex
	values map[string]entry
}

type entry struct {
	value any
	typ   reflect.Type
}

func NewRegistry() *Registry {
	return &Registry{values: make(map[string]entry)}
}

// Set stores value under key. The value is retrievable only under the
// exact stored type.
func (r *Registry) Set(key string, value any) {
	r.mu.Lock()
	r.values[key] = entry{value: value, typ: reflect.TypeOf(value)}
	r.mu.Unlock()
}

func (r *Registry) Delete(key string) {
	r.mu.Lock()
	delete(r.values, key)
	r.mu.Unlock()
}

func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	_, ok := r.values[key]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Get returns the value stored under key if present and its stored type
// is exactly T. A value stored as a concrete type is not visible under an
// interface type and vice versa.
func Get[T any](r *Registry, key string) (T, bool) {
	var zero T
	r.mu.RLock()
	e, ok := r.values[key]
	r.mu.RUnlock()
	if !ok {
		return zero, false
	}
	want := reflect.TypeOf(zero)
	if want == nil {
		// T is an interface type; recover it through a pointer probe.
		want = reflect.TypeOf((*T)(nil)).Elem()
	}
	if e.typ != want {
		return zero, false
	}
	v, ok := e.value.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Snapshot is an immutable stringly-typed view of a key subset, safe to
// hand through a hook context.
type Snapshot struct {
	values map[string]any
}

func (s Snapshot) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s Snapshot) Len() int { return len(s.values) }

func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the requested keys into an immutable view. Absent keys
// are skipped. With no keys it copies everything.
func (r *Registry) Snapshot(keys ...string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any)
	if len(keys) == 0 {
		for k, e := range r.values {
			out[k] = e.value
		}
		return Snapshot{values: out}
	}
	for _, k := range keys {
		if e, ok := r.values[k]; ok {
			out[k] = e.value
		}
	}
	return Snapshot{values: out}
}
