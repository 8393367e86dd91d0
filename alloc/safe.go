package alloc

import (
	"sync"
	"unsafe"
)

// SafeEngine is a sync.Mutex-guarded facade over *Engine. Engine itself
// assumes serialized calls and holds no lock of its own; SafeEngine is the
// seam a multi-threaded caller serializes through instead of reaching into
// Engine directly.
type SafeEngine struct {
	mu  sync.Mutex
	eng *Engine
}

// NewSafe constructs a SafeEngine wrapping a freshly built Engine.
func NewSafe(opts ...Option) (*SafeEngine, error) {
	eng, err := New(opts...)
	if err != nil {
		return nil, err
	}

	return &SafeEngine{eng: eng}, nil
}

// Allocate serializes access to the underlying Engine's Allocate.
func (s *SafeEngine) Allocate(size uintptr) unsafe.Pointer {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.eng.Allocate(size)
}

// Free serializes access to the underlying Engine's Free.
func (s *SafeEngine) Free(p unsafe.Pointer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eng.Free(p)
}

// Stats serializes access to the underlying Engine's Stats.
func (s *SafeEngine) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.eng.Stats()
}

// LastFault serializes access to the underlying Engine's LastFault.
func (s *SafeEngine) LastFault() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.eng.LastFault()
}

// Close serializes access to the underlying Engine's Close.
func (s *SafeEngine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.eng.Close()
}

// global is the package-level default SafeEngine, lazily constructed on
// first use by Initialize or by the first call to Alloc/Free.
var (
	globalMu  sync.Mutex
	global    *SafeEngine
	globalErr error
)

// Initialize constructs the package-level default engine with the given
// options. It may be called once before the first Alloc/Free; calling it
// again after the default engine already exists is a no-op that returns the
// error (if any) from the original construction.
func Initialize(opts ...Option) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil || globalErr != nil {
		return globalErr
	}

	global, globalErr = NewSafe(opts...)

	return globalErr
}

func ensureGlobal() *SafeEngine {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil && globalErr == nil {
		global, globalErr = NewSafe()
	}

	return global
}

// Alloc allocates from the package-level default engine, constructing it
// with default settings on first use if Initialize was never called.
func Alloc(size uintptr) unsafe.Pointer {
	eng := ensureGlobal()
	if eng == nil {
		return nil
	}

	return eng.Allocate(size)
}

// Free releases a payload previously returned by Alloc.
func Free(p unsafe.Pointer) {
	eng := ensureGlobal()
	if eng == nil {
		return
	}

	eng.Free(p)
}

// GetStats returns a snapshot of the package-level default engine's
// bookkeeping.
func GetStats() Stats {
	eng := ensureGlobal()
	if eng == nil {
		return Stats{}
	}

	return eng.Stats()
}
