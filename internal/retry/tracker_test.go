package retry

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func TestBackoffMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{Base: time.Minute, Max: 30 * time.Minute, MaxFailures: 8})
	scope := Scope("owner1", "professional")

	prev := time.Duration(0)
	for i := 1; i <= 12; i++ {
		st := tr.Failure(scope, SigTimeout, t0)
		delta := st.NextEligibleAt.Sub(t0)
		if delta < prev {
			t.Fatalf("failure %d: delta %v decreased from %v", i, delta, prev)
		}
		if delta > 30*time.Minute {
			t.Fatalf("failure %d: delta %v exceeds max", i, delta)
		}
		prev = delta
	}
	if prev != 30*time.Minute {
		t.Fatalf("expected backoff to reach max, got %v", prev)
	}
	st, _ := tr.Get(scope, SigTimeout)
	if st.Failures != 8 {
		t.Fatalf("failures should saturate at 8, got %d", st.Failures)
	}
}

func TestBackoffSequence(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{Base: time.Minute, Max: 30 * time.Minute, MaxFailures: 10})
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := tr.Backoff(i + 1); got != w*time.Minute {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w*time.Minute)
		}
	}
	if tr.Backoff(0) != 0 {
		t.Fatal("Backoff(0) should be 0")
	}
}

func TestSuccessResets(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{})
	scope := Scope("o", "photo")
	tr.Failure(scope, SigTimeout, t0)
	tr.Failure(scope, SigTimeout, t0)

	if ok, until := tr.Allow(scope, t0); ok || until.IsZero() {
		t.Fatalf("expected deferral, got ok=%v until=%v", ok, until)
	}

	tr.Success(scope)
	if ok, _ := tr.Allow(scope, t0); !ok {
		t.Fatal("success should clear the scope")
	}
	st := tr.Failure(scope, SigTimeout, t0)
	if st.Failures != 1 {
		t.Fatalf("failures after reset = %d, want 1", st.Failures)
	}
}

func TestAllowUsesLatestSignature(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{Base: time.Minute, Max: time.Hour, MaxFailures: 5})
	scope := Scope("o", "social")
	tr.Failure(scope, SigTimeout, t0)     // +1m
	tr.Failure(scope, SigAuthInvalid, t0) // +1m
	tr.Failure(scope, SigAuthInvalid, t0) // +2m

	ok, until := tr.Allow(scope, t0.Add(90*time.Second))
	if ok || !until.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("Allow = %v, %v", ok, until)
	}
	if ok, _ := tr.Allow(scope, t0.Add(2*time.Minute)); !ok {
		t.Fatal("scope should be eligible at the latest deadline")
	}
	if ok, _ := tr.Allow(Scope("other", "social"), t0); !ok {
		t.Fatal("other owner must not be affected")
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{Base: time.Minute, Max: 10 * time.Minute})
	tr.Failure("a|x", SigTimeout, t0)
	tr.Failure("b|x", SigTimeout, t0.Add(time.Hour))

	if n := tr.Sweep(t0.Add(30 * time.Minute)); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	snap := tr.Snapshot()
	if len(snap) != 1 || snap[0].Scope != "b|x" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestScope(t *testing.T) {
	t.Parallel()

	if got := Scope(" ", "photo"); got != "-|photo" {
		t.Fatalf("Scope = %q", got)
	}
}
