// Package source reads the maintenance flag from the places an operator can
// set it and resolves them in precedence order.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// DefaultSource names the value used when no source has an opinion
const DefaultSource = "default"

var (
	// ErrNotSet means the source holds no value; the resolver asks the next one
	ErrNotSet = errors.New("maintenance flag not set")

	// ErrReadOnly is returned by Set when no configured source accepts writes
	ErrReadOnly = errors.New("no writable maintenance flag source")

	// ErrPinned is returned by Set when another source still decides the flag
	ErrPinned = errors.New("maintenance flag pinned by another source")
)

// StateSource reports the maintenance flag from one backend.
// Read returns ErrNotSet when the backend holds no value and any other error
// when the backend could not be consulted.
type StateSource interface {
	Name() string
	Read(ctx context.Context) (bool, error)
}

// Writer is implemented by sources that can also change the flag
type Writer interface {
	StateSource
	Write(ctx context.Context, enabled bool) error
}

// Resolution is the resolved flag and the source that decided it
type Resolution struct {
	Enabled bool   `json:"enabled"`
	Source  string `json:"source"`
}

// ErrorObserver is notified about every failed source read
type ErrorObserver func(source string)

// Resolver walks the sources in precedence order. The first source that
// returns a value wins; unreachable sources are skipped so an outage never
// turns into a maintenance signal.
type Resolver struct {
	sources []StateSource
	writers []Writer
	timeout time.Duration
	onError ErrorObserver

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewResolver creates a resolver. Sources are consulted in the given order.
// Writable sources are used for Set in the same order unless SetWriters overrides it.
func NewResolver(timeout time.Duration, sources ...StateSource) *Resolver {
	var writers []Writer
	for _, s := range sources {
		if w, ok := s.(Writer); ok {
			writers = append(writers, w)
		}
	}

	return &Resolver{
		sources:  sources,
		writers:  writers,
		timeout:  timeout,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetWriters replaces the order in which Set tries writable sources
func (r *Resolver) SetWriters(writers ...Writer) {
	r.writers = writers
}

// OnError registers a callback for failed reads (used for metrics)
func (r *Resolver) OnError(fn ErrorObserver) {
	r.onError = fn
}

// Sources returns the configured source names in precedence order
func (r *Resolver) Sources() []string {
	names := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		names = append(names, s.Name())
	}
	return names
}

// Resolve returns the current maintenance flag. It never fails.
func (r *Resolver) Resolve(ctx context.Context) Resolution {
	for _, s := range r.sources {
		enabled, err := r.read(ctx, s)
		if err == nil {
			return Resolution{Enabled: enabled, Source: s.Name()}
		}
		if errors.Is(err, ErrNotSet) {
			continue
		}

		if r.onError != nil {
			r.onError(s.Name())
		}
		if r.allowLog(s.Name()) {
			klog.ErrorS(err, "Maintenance flag source unavailable, falling back", "source", s.Name())
		} else {
			klog.V(2).InfoS("Maintenance flag source unavailable", "source", s.Name(), "error", err)
		}
	}

	return Resolution{Enabled: false, Source: DefaultSource}
}

// Enabled is a shorthand for Resolve(ctx).Enabled
func (r *Resolver) Enabled(ctx context.Context) bool {
	return r.Resolve(ctx).Enabled
}

// Set writes the flag to the first writable source that accepts it and
// verifies that the resolved value changed accordingly.
func (r *Resolver) Set(ctx context.Context, enabled bool) (Resolution, error) {
	var written string
	var lastErr error

	for _, w := range r.writers {
		wctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := w.Write(wctx, enabled)
		cancel()
		if err != nil {
			klog.ErrorS(err, "Failed to write maintenance flag, trying next source", "source", w.Name())
			lastErr = err
			continue
		}

		written = w.Name()
		break
	}

	if written == "" {
		if lastErr != nil {
			return r.Resolve(ctx), fmt.Errorf("%w: %v", ErrReadOnly, lastErr)
		}
		return r.Resolve(ctx), ErrReadOnly
	}

	res := r.Resolve(ctx)
	if res.Enabled != enabled {
		return res, fmt.Errorf("%w: wrote %s but %s reports %v", ErrPinned, written, res.Source, res.Enabled)
	}

	klog.V(2).InfoS("Maintenance flag written", "source", written, "enabled", enabled)
	return res, nil
}

func (r *Resolver) read(ctx context.Context, s StateSource) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return s.Read(ctx)
}

// allowLog throttles error logs per source; probes hit the resolver every few seconds
func (r *Resolver) allowLog(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Every(30*time.Second), 1)
		r.limiters[name] = l
	}
	return l.Allow()
}
