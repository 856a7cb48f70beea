package featureflags

import (
	"context"
	"maps"
	"sync"
)

// InMemoryRepository keeps flags in process memory. It is the store used
// when no database is configured.
type InMemoryRepository struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

// NewInMemoryRepository creates an empty in-memory repository, optionally
// seeded with flags.
func NewInMemoryRepository(seed ...*Flag) *InMemoryRepository {
	r := &InMemoryRepository{flags: make(map[string]*Flag, len(seed))}
	for _, f := range seed {
		r.flags[f.Key] = f.clone()
	}
	return r
}

// Load returns copies of the stored flags.
func (r *InMemoryRepository) Load(context.Context) (map[string]*Flag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := maps.Clone(r.flags)
	for k, f := range out {
		out[k] = f.clone()
	}
	return out, nil
}

// Save stores copies of flags.
func (r *InMemoryRepository) Save(_ context.Context, flags []*Flag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range flags {
		r.flags[f.Key] = f.clone()
	}
	return nil
}

// Delete removes keys.
func (r *InMemoryRepository) Delete(_ context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range keys {
		delete(r.flags, k)
	}
	return nil
}

var _ Repository = (*InMemoryRepository)(nil)
