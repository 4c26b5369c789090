package common

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrModulePaused is returned when a mutating entry point is invoked
	// while the module is administratively paused.
	ErrModulePaused = errors.New("module paused")
	// ErrReentrancy is returned when a mutating entry point is re-entered
	// while a previous call against the same market is still in flight.
	ErrReentrancy = errors.New("reentrant call rejected")
)

// PauseView reports whether a named module is currently paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the supplied pause view reports the module as
// paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// CallGuard is the single in-flight-operation lock held for the duration of
// any state-mutating entry point. Acquisition is atomic: an external
// transfer or swap hook that calls back into the same market mid-update
// fails with ErrReentrancy instead of reading partially-applied state, and
// a concurrent goroutine racing the same market is rejected the same way
// rather than interleaving with the in-flight session.
//
// The guard rejects instead of waiting. Callers that want queuing must
// serialize above it, the way the HTTP layer holds one mutex per market.
type CallGuard struct {
	mu       sync.Mutex
	inFlight atomic.Bool
}

// Enter acquires the guard. The returned release function must run on every
// exit path, including error returns.
func (g *CallGuard) Enter() (func(), error) {
	if g == nil {
		return func() {}, nil
	}
	if !g.mu.TryLock() {
		return nil, ErrReentrancy
	}
	g.inFlight.Store(true)
	return func() {
		g.inFlight.Store(false)
		g.mu.Unlock()
	}, nil
}

// InFlight reports whether an operation currently holds the guard.
func (g *CallGuard) InFlight() bool {
	return g != nil && g.inFlight.Load()
}
