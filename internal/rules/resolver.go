package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"accesscache/internal/access"
)

// Resolver turns resource ids of one type into displayable resources. Ids
// with no matching resource are left out of the result.
type Resolver interface {
	Resolve(ctx context.Context, ids []int64) ([]Resource, error)
}

type ResolverFunc func(ctx context.Context, ids []int64) ([]Resource, error)

func (f ResolverFunc) Resolve(ctx context.Context, ids []int64) ([]Resource, error) {
	return f(ctx, ids)
}

// Registry maps resource types to resolvers. The zero value is ready to use.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]Resolver)}
}

// Register sets the resolver of resourceType, replacing any previous one.
func (r *Registry) Register(resourceType string, resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolvers == nil {
		r.resolvers = make(map[string]Resolver)
	}
	r.resolvers[resourceType] = resolver
}

// Get returns the resolver of resourceType or an error wrapping
// access.ErrResolverMissing.
func (r *Registry) Get(resourceType string) (Resolver, error) {
	var (
		res Resolver
		ok  bool
	)
	if r != nil {
		r.mu.RLock()
		res, ok = r.resolvers[resourceType]
		r.mu.RUnlock()
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", access.ErrResolverMissing, resourceType)
	}
	return res, nil
}

func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.resolvers))
	for t := range r.resolvers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
