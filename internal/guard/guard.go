// Package guard provides a reader/writer lock that records panics raised
// while it is held.
//
// Once a panic escapes a critical section the lock is poisoned: the panic is
// converted into an error for the current caller and every later acquisition
// fails with ErrPoisoned until ClearPoison is called.
package guard

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrPoisoned is returned when a lock was poisoned by an earlier panic.
var ErrPoisoned = errors.New("lock poisoned")

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recover converts a panic in the calling goroutine into a *PanicError stored
// in err. It must be called directly via defer.
//
//	g.Go(func() (err error) {
//	    defer guard.Recover(&err)
//	    ...
//	})
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = &PanicError{Value: r, Stack: debug.Stack()}
	}
}

// RWMutex is a poison-aware sync.RWMutex.
// The zero value is ready to use.
type RWMutex struct {
	mu       sync.RWMutex
	poisoned atomic.Bool
}

// Read runs fn under the shared lock.
func (m *RWMutex) Read(fn func() error) (err error) {
	if m.poisoned.Load() {
		return ErrPoisoned
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	defer m.settle(&err)
	return fn()
}

// Write runs fn under the exclusive lock.
func (m *RWMutex) Write(fn func() error) (err error) {
	if m.poisoned.Load() {
		return ErrPoisoned
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.settle(&err)
	return fn()
}

// settle poisons the lock if fn panicked or returned a *PanicError recovered
// from one of its worker goroutines.
func (m *RWMutex) settle(err *error) {
	if r := recover(); r != nil {
		*err = &PanicError{Value: r, Stack: debug.Stack()}
	}
	var pe *PanicError
	if *err != nil && errors.As(*err, &pe) {
		m.poisoned.Store(true)
		*err = fmt.Errorf("%w: %w", ErrPoisoned, *err)
	}
}

// Poisoned reports whether the lock has been poisoned.
func (m *RWMutex) Poisoned() bool {
	return m.poisoned.Load()
}

// ClearPoison resets the poisoned flag.
func (m *RWMutex) ClearPoison() {
	m.poisoned.Store(false)
}
