package distance

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/hupe1980/annie/internal/guard"
)

var (
	// ErrMetricNotFound is returned when a custom metric name is not registered.
	ErrMetricNotFound = errors.New("metric not found")

	// ErrRegistryNotInitialized is returned by a Registry not created with NewRegistry.
	ErrRegistryNotInitialized = errors.New("distance registry not initialized")

	// ErrBuiltinMetric is returned when replacing or removing a pre-registered metric.
	ErrBuiltinMetric = errors.New("built-in metric cannot be replaced or removed")

	// ErrLockPoisoned is returned when the registry lock was poisoned by a panic.
	ErrLockPoisoned = guard.ErrPoisoned
)

// Function is a named distance implementation.
//
// Implementations must be safe for concurrent use unless they also implement
// SingleThreaded and return true.
type Function interface {
	Distance(a, b []float32) float32
	Name() string
}

// SingleThreaded is implemented by functions that must only be evaluated
// from one goroutine at a time. Searches using such a metric scan serially.
type SingleThreaded interface {
	SingleThreaded() bool
}

type funcAdapter struct {
	name   string
	fn     func(a, b []float32) float32
	serial bool
}

func (f funcAdapter) Distance(a, b []float32) float32 { return f.fn(a, b) }
func (f funcAdapter) Name() string                    { return f.name }
func (f funcAdapter) SingleThreaded() bool            { return f.serial }

// FuncOf adapts a plain function into a Function.
func FuncOf(name string, fn func(a, b []float32) float32) Function {
	return funcAdapter{name: name, fn: fn}
}

// SerialFuncOf adapts fn into a Function that is never called concurrently.
func SerialFuncOf(name string, fn func(a, b []float32) float32) Function {
	return funcAdapter{name: name, fn: fn, serial: true}
}

var builtins = map[string]func(a, b []float32) float32{
	"euclidean": EuclideanDistance,
	"cosine":    CosineDistance,
	"manhattan": ManhattanDistance,
	"chebyshev": ChebyshevDistance,
}

// Registry resolves custom metric names to Functions.
//
// A Registry is shared by every index created from the same annie.Env.
// The zero value is not usable; create one with NewRegistry.
type Registry struct {
	mu    guard.RWMutex
	funcs map[string]Function
}

// NewRegistry returns a registry with the built-in metrics pre-registered.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Function, len(builtins))}
	for name, fn := range builtins {
		r.funcs[name] = FuncOf(name, fn)
	}
	return r
}

// IsBuiltin reports whether name is one of the protected pre-registered metrics.
func IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

// Register adds fn under fn.Name(). Registering a name twice replaces the
// previous function, unless the name belongs to a built-in.
func (r *Registry) Register(fn Function) error {
	if r == nil {
		return ErrRegistryNotInitialized
	}
	if fn == nil {
		return errors.New("distance: nil function")
	}
	name := fn.Name()
	if name == "" {
		return ErrEmptyMetricName
	}
	if IsBuiltin(name) {
		return fmt.Errorf("%w: %q", ErrBuiltinMetric, name)
	}
	return r.mu.Write(func() error {
		if r.funcs == nil {
			return ErrRegistryNotInitialized
		}
		r.funcs[name] = fn
		return nil
	})
}

// Resolve returns the function registered under name.
func (r *Registry) Resolve(name string) (Function, error) {
	if r == nil {
		return nil, ErrRegistryNotInitialized
	}
	var fn Function
	err := r.mu.Read(func() error {
		if r.funcs == nil {
			return ErrRegistryNotInitialized
		}
		f, ok := r.funcs[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrMetricNotFound, name)
		}
		fn = f
		return nil
	})
	return fn, err
}

// Unregister removes a custom metric. Unknown names are ignored.
func (r *Registry) Unregister(name string) error {
	if r == nil {
		return ErrRegistryNotInitialized
	}
	if IsBuiltin(name) {
		return fmt.Errorf("%w: %q", ErrBuiltinMetric, name)
	}
	return r.mu.Write(func() error {
		if r.funcs == nil {
			return ErrRegistryNotInitialized
		}
		delete(r.funcs, name)
		return nil
	})
}

// List returns the registered names in sorted order.
func (r *Registry) List() ([]string, error) {
	if r == nil {
		return nil, ErrRegistryNotInitialized
	}
	var names []string
	err := r.mu.Read(func() error {
		if r.funcs == nil {
			return ErrRegistryNotInitialized
		}
		names = slices.Sorted(maps.Keys(r.funcs))
		return nil
	})
	return names, err
}
