package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"outreach/internal/platform"
)

var ErrUnknownPlatform = errors.New("driver: no driver registered for platform")

// Registry is the lookup table from platform to driver.
type Registry struct {
	mu sync.RWMutex
	m  map[platform.Platform]Driver
}

func NewRegistry() *Registry {
	return &Registry{m: map[platform.Platform]Driver{}}
}

func (r *Registry) Register(d Driver) error {
	if d == nil {
		return errors.New("driver: nil driver")
	}
	p := d.Platform()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[p]; ok {
		return fmt.Errorf("driver: %s already registered", p)
	}
	r.m[p] = d
	return nil
}

func (r *Registry) Get(p platform.Platform) (Driver, error) {
	r.mu.RLock()
	d, ok := r.m[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, p)
	}
	return d, nil
}

// Platforms returns the registered platforms sorted by name.
func (r *Registry) Platforms() []platform.Platform {
	r.mu.RLock()
	out := make([]platform.Platform, 0, len(r.m))
	for p := range r.m {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InitAll initializes every driver in platform order and stops at the first error.
func (r *Registry) InitAll(ctx context.Context) error {
	for _, p := range r.Platforms() {
		d, _ := r.Get(p)
		if err := d.Init(ctx); err != nil {
			return fmt.Errorf("init %s driver: %w", p, err)
		}
	}
	return nil
}

// CloseAll closes every driver and joins the errors.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, p := range r.Platforms() {
		d, _ := r.Get(p)
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s driver: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
