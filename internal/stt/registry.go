package stt

import (
	"fmt"
	"sync"

	. "github.com/voxqueue/voxqueue/internal/logging"
)

// Factory constructs a provider for a kind from current configuration.
type Factory func(kind string) (Provider, error)

// entry tracks one cached provider instance and its outstanding leases.
type entry struct {
	provider Provider
	refs     int
	stale    bool
}

// Registry creates and caches one provider instance per kind.
//
// Get leases an instance and Put returns it. An instance invalidated
// while leased is only marked stale; its final Put closes it. That keeps
// a config edit from freeing a provider (and, for whisper.cpp, its native
// model) out from under a running transcription.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	cache   map[string]*entry
	leased  map[Provider]*entry
}

// NewRegistry creates a registry backed by the given factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		cache:   make(map[string]*entry),
		leased:  make(map[Provider]*entry),
	}
}

// NewConfigRegistry creates a registry whose factory reads the latest
// configuration snapshot on each construction, so Invalidate picks up
// config edits.
func NewConfigRegistry(current func() Config, creds Credentials) *Registry {
	return NewRegistry(func(kind string) (Provider, error) {
		return NewProvider(kind, current(), creds)
	})
}

// Get returns the cached instance for kind, constructing one if absent,
// and takes a lease on it. Every Get pairs with a Put.
func (r *Registry) Get(kind string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.cache[kind]; ok {
		e.refs++
		return e.provider, nil
	}

	p, err := r.factory(kind)
	if err != nil {
		return nil, fmt.Errorf("construct provider %s: %w", kind, err)
	}
	e := &entry{provider: p, refs: 1}
	r.cache[kind] = e
	r.leased[p] = e
	L_debug("stt: provider constructed", "kind", kind)
	return p, nil
}

// Put releases a lease taken by Get. The final Put on a stale instance
// closes it.
func (r *Registry) Put(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	e, ok := r.leased[p]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	shouldClose := e.stale && e.refs == 0
	if shouldClose {
		delete(r.leased, p)
	}
	r.mu.Unlock()

	if shouldClose {
		closeProvider(p)
		L_debug("stt: stale provider closed on release", "provider", p.Name())
	}
}

// Invalidate drops the cached instance for kind, forcing reconstruction
// on the next Get. Called whenever the corresponding configuration is
// edited. A leased instance is closed by its final Put instead of here.
func (r *Registry) Invalidate(kind string) {
	r.mu.Lock()
	e, ok := r.cache[kind]
	delete(r.cache, kind)
	var toClose Provider
	if ok {
		if e.refs > 0 {
			e.stale = true
		} else {
			toClose = e.provider
			delete(r.leased, e.provider)
		}
	}
	r.mu.Unlock()

	if toClose != nil {
		closeProvider(toClose)
	}
	if ok {
		L_debug("stt: provider invalidated", "kind", kind, "deferred", toClose == nil)
	}
}

// InvalidateAll drops every cached instance.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	var toClose []Provider
	for kind, e := range r.cache {
		delete(r.cache, kind)
		if e.refs > 0 {
			e.stale = true
		} else {
			toClose = append(toClose, e.provider)
			delete(r.leased, e.provider)
		}
	}
	r.mu.Unlock()

	for _, p := range toClose {
		closeProvider(p)
	}
}

// Close releases all cached providers.
func (r *Registry) Close() {
	r.InvalidateAll()
}

func closeProvider(p Provider) {
	if err := p.Close(); err != nil {
		L_warn("stt: failed to close provider", "provider", p.Name(), "error", err)
	}
}
