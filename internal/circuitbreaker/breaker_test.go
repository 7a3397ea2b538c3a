package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

const uplink = "ledger-primary"

func TestClosedCircuitAllows(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow(uplink) {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(uplink)
	b.RecordFailure(uplink)
	if !b.Allow(uplink) {
		t.Fatal("should still allow below threshold")
	}

	b.RecordFailure(uplink)
	if b.Allow(uplink) {
		t.Fatal("should be open after 3 failures")
	}
	if b.State(uplink) != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State(uplink))
	}
}

func TestOpenAdmitsOneProbeAfterCooldown(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(uplink)
	b.RecordFailure(uplink)
	if b.Allow(uplink) {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow(uplink) {
		t.Fatal("should allow a probe after the cooldown")
	}
	if b.State(uplink) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State(uplink))
	}
	if b.Allow(uplink) {
		t.Fatal("should reject a second request while the probe is in flight")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(uplink)
	b.RecordFailure(uplink)
	time.Sleep(60 * time.Millisecond)
	b.Allow(uplink) // half-open

	b.RecordSuccess(uplink)
	if b.State(uplink) != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", b.State(uplink))
	}
	if !b.Allow(uplink) {
		t.Fatal("should allow after recovery")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(uplink)
	b.RecordFailure(uplink)
	time.Sleep(60 * time.Millisecond)
	b.Allow(uplink) // half-open

	b.RecordFailure(uplink)
	if b.State(uplink) != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %v", b.State(uplink))
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(uplink)
	b.RecordFailure(uplink)
	b.RecordSuccess(uplink)

	b.RecordFailure(uplink)
	if !b.Allow(uplink) {
		t.Fatal("should still be closed, counter was reset")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure(uplink)
	b.RecordFailure(uplink)

	if b.Allow(uplink) {
		t.Fatal("primary should be open")
	}
	if !b.Allow("ledger-backup") {
		t.Fatal("backup should be unaffected")
	}
}

func TestUnknownKeyReportsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("never-seen") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State("never-seen"))
	}
}

func TestTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure(uplink)
	b.RecordFailure(uplink)

	// Callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed to open, got %v to %v", transitions[0].from, transitions[0].to)
	}
}

func TestStateNames(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
