// Package adapters maps platform names to the clients that deliver content.
package adapters

import (
	"context"
	"sort"
	"sync"

	"crosspost/internal/publish"
)

// Adapter delivers one post to one channel. Errors should be *publish.StatusError
// for HTTP-like failures or *publish.Error when the adapter already knows the category.
type Adapter interface {
	Platform() string
	Publish(ctx context.Context, d publish.Delivery) (publish.Receipt, error)
}

// Func adapts a plain function (tests, one-off platforms).
type Func struct {
	Name string
	Fn   func(ctx context.Context, d publish.Delivery) (publish.Receipt, error)
}

func (f Func) Platform() string { return f.Name }

func (f Func) Publish(ctx context.Context, d publish.Delivery) (publish.Receipt, error) {
	return f.Fn(ctx, d)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Adapter
}

func NewRegistry(as ...Adapter) *Registry {
	r := &Registry{m: map[string]Adapter{}}
	for _, a := range as {
		r.Register(a.Platform(), a)
	}
	return r
}

// Register binds platform to a, replacing any previous adapter. A nil adapter unregisters.
func (r *Registry) Register(platform string, a Adapter) {
	p := publish.NormalizePlatform(platform)
	r.mu.Lock()
	defer r.mu.Unlock()
	if a == nil {
		delete(r.m, p)
		return
	}
	r.m[p] = a
}

func (r *Registry) AdapterFor(platform string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.m[publish.NormalizePlatform(platform)]
	return a, ok
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for p := range r.m {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
