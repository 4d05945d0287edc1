package retry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBase        = time.Minute
	DefaultMax         = 30 * time.Minute
	DefaultMaxFailures = 5
)

type Config struct {
	Base        time.Duration
	Max         time.Duration
	MaxFailures int
}

func (c Config) withDefaults() Config {
	if c.Base <= 0 {
		c.Base = DefaultBase
	}
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.Max < c.Base {
		c.Max = c.Base
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	return c
}

// State is the backoff state of one (scope, signature) entry.
type State struct {
	Failures       int
	NextEligibleAt time.Time
}

// Scope builds the owner|platform key the worker gates on.
func Scope(owner, platform string) string {
	o := strings.TrimSpace(owner)
	if o == "" {
		o = "-"
	}
	return o + "|" + strings.TrimSpace(platform)
}

// Tracker is the in-memory retry state. It is lost on restart.
type Tracker struct {
	cfg Config

	mu sync.Mutex
	m  map[string]map[string]*State
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.withDefaults(), m: make(map[string]map[string]*State)}
}

func (t *Tracker) Config() Config { return t.cfg }

// Backoff returns the wait after the given number of consecutive failures:
// min(Max, Base * 2^(failures-1)), so the first failure waits Base.
func (t *Tracker) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > t.cfg.MaxFailures {
		failures = t.cfg.MaxFailures
	}
	d := t.cfg.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= t.cfg.Max {
			return t.cfg.Max
		}
	}
	if d > t.cfg.Max {
		d = t.cfg.Max
	}
	return d
}

// Allow reports whether the scope may be attempted at now. When it may not,
// the returned time is when it becomes eligible.
func (t *Tracker) Allow(scope string, now time.Time) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var until time.Time
	for _, st := range t.m[scope] {
		if now.Before(st.NextEligibleAt) && st.NextEligibleAt.After(until) {
			until = st.NextEligibleAt
		}
	}
	if until.IsZero() {
		return true, time.Time{}
	}
	return false, until
}

// Failure records one failure for signature inside scope and returns the new state.
// Failures saturate at MaxFailures.
func (t *Tracker) Failure(scope, signature string, now time.Time) State {
	sig := strings.TrimSpace(signature)
	if sig == "" {
		sig = "unknown"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sigs := t.m[scope]
	if sigs == nil {
		sigs = make(map[string]*State)
		t.m[scope] = sigs
	}
	st := sigs[sig]
	if st == nil {
		st = &State{}
		sigs[sig] = st
	}
	if st.Failures < t.cfg.MaxFailures {
		st.Failures++
	}
	st.NextEligibleAt = now.Add(t.Backoff(st.Failures))
	return *st
}

// Success clears every signature recorded for scope.
func (t *Tracker) Success(scope string) {
	t.mu.Lock()
	delete(t.m, scope)
	t.mu.Unlock()
}

// Get returns the state for (scope, signature).
func (t *Tracker) Get(scope, signature string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[scope][signature]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Sweep drops entries that became eligible more than Max ago and returns how
// many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for scope, sigs := range t.m {
		for sig, st := range sigs {
			if now.Sub(st.NextEligibleAt) > t.cfg.Max {
				delete(sigs, sig)
				removed++
			}
		}
		if len(sigs) == 0 {
			delete(t.m, scope)
		}
	}
	return removed
}

// Entry is a flattened view of one tracked key.
type Entry struct {
	Scope     string
	Signature string
	State
}

// Snapshot lists tracked entries sorted by scope then signature.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.m))
	for scope, sigs := range t.m {
		for sig, st := range sigs {
			out = append(out, Entry{Scope: scope, Signature: sig, State: *st})
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}
