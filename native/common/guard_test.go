package common

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type stubPauseView struct {
	paused map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	if s.paused == nil {
		return false
	}
	return s.paused[module]
}

func TestGuardPassesWhenUnpaused(t *testing.T) {
	if err := Guard(nil, "market"); err != nil {
		t.Fatalf("nil view should not guard: %v", err)
	}
	if err := Guard(stubPauseView{}, "market"); err != nil {
		t.Fatalf("unpaused module should pass: %v", err)
	}
}

func TestGuardBlocksPausedModule(t *testing.T) {
	view := stubPauseView{paused: map[string]bool{"market": true}}
	if err := Guard(view, "market"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

func TestCallGuardRejectsNestedEntry(t *testing.T) {
	guard := &CallGuard{}

	release, err := guard.Enter()
	if err != nil {
		t.Fatalf("first entry should succeed: %v", err)
	}
	if !guard.InFlight() {
		t.Fatalf("guard should report in-flight after entry")
	}

	if _, err := guard.Enter(); !errors.Is(err, ErrReentrancy) {
		t.Fatalf("expected ErrReentrancy, got %v", err)
	}

	release()
	if guard.InFlight() {
		t.Fatalf("guard should clear after release")
	}

	release2, err := guard.Enter()
	if err != nil {
		t.Fatalf("re-entry after release should succeed: %v", err)
	}
	release2()
}

func TestCallGuardRejectsConcurrentEntry(t *testing.T) {
	guard := &CallGuard{}

	const workers = 32
	var admitted atomic.Int64
	var rejected atomic.Int64

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				release, err := guard.Enter()
				if err != nil {
					if !errors.Is(err, ErrReentrancy) {
						t.Errorf("unexpected entry error: %v", err)
					}
					rejected.Add(1)
					continue
				}
				admitted.Add(1)
				release()
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted.Load() == 0 {
		t.Fatalf("no goroutine ever acquired the guard")
	}
	if guard.InFlight() {
		t.Fatalf("guard should be clear once all workers finish")
	}
	t.Logf("admitted=%d rejected=%d", admitted.Load(), rejected.Load())
}
