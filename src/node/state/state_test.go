package state

import (
	"sync"
	"testing"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Rootless:     "Rootless",
		Attached:     "Attached",
		Reconnecting: "Reconnecting",
		Shutdown:     "Shutdown",
		State(42):    "Unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("State(%d).String() should be %s, not %s", s, want, s.String())
		}
	}
}

func TestManagerState(t *testing.T) {
	var m Manager
	if m.GetState() != Rootless {
		t.Fatalf("initial state should be Rootless, not %s", m.GetState())
	}
	m.SetState(Reconnecting)
	if m.GetState() != Reconnecting {
		t.Fatalf("state should be Reconnecting, not %s", m.GetState())
	}
}

func TestGoFuncLimit(t *testing.T) {
	var m Manager

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(WGLIMIT)

	for i := 0; i < WGLIMIT; i++ {
		if !m.GoFunc(func() {
			started.Done()
			<-release
		}) {
			t.Fatalf("goroutine %d should have been started", i)
		}
	}
	started.Wait()

	if m.GoFunc(func() {}) {
		t.Fatalf("goroutine beyond WGLIMIT should not be started")
	}

	close(release)
	m.WaitRoutines()

	if !m.GoFunc(func() {}) {
		t.Fatalf("goroutine should be started once the others returned")
	}
	m.WaitRoutines()
}
