// Package pacing turns base delays into randomized, length-aware waits so that
// outbound actions do not fire on a fixed cadence.
package pacing

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPerWord   = 160 * time.Millisecond
	DefaultTypingCap = 2500 * time.Millisecond
	DefaultSpread    = 0.25
)

// Jitter returns base ± base*spread*U(-1,1), floored at 0.
func Jitter(base time.Duration, spread float64) time.Duration {
	return jitterWith(globalRand, base, spread)
}

// TypingDelay scales with word count (capped) and is then jittered.
func TypingDelay(text string) time.Duration {
	return Config{}.withDefaults().typingDelay(globalRand, text)
}

// Config tunes a Pacer. Zero fields take the package defaults.
type Config struct {
	PerWord   time.Duration
	TypingCap time.Duration
	Spread    float64
	// Think is an extra base pause jittered and added after typing.
	Think time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerWord <= 0 {
		c.PerWord = DefaultPerWord
	}
	if c.TypingCap <= 0 {
		c.TypingCap = DefaultTypingCap
	}
	if c.Spread <= 0 {
		c.Spread = DefaultSpread
	}
	if c.Spread > 1 {
		c.Spread = 1
	}
	return c
}

func (c Config) typingDelay(r randSource, text string) time.Duration {
	words := len(strings.Fields(text))
	base := time.Duration(words) * c.PerWord
	if base > c.TypingCap {
		base = c.TypingCap
	}
	return jitterWith(r, base, c.Spread)
}

// Pacer computes and waits out per-send delays.
// It owns its random source so tests can seed it.
type Pacer struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, seed int64) *Pacer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Pacer{
		cfg:   cfg.withDefaults(),
		rng:   rand.New(rand.NewSource(seed)),
		sleep: sleepCtx,
	}
}

// WithSleep replaces the sleep function. Intended for tests and dry runs.
func (p *Pacer) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Pacer {
	if fn != nil {
		p.sleep = fn
	}
	return p
}

// Delay returns the wait before sending text: typing delay plus a jittered
// think pause.
func (p *Pacer) Delay(text string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.cfg.typingDelay(p.rng, text)
	if p.cfg.Think > 0 {
		d += jitterWith(p.rng, p.cfg.Think, p.cfg.Spread)
	}
	return d
}

// Wait sleeps for Delay(text) or until ctx is done.
func (p *Pacer) Wait(ctx context.Context, text string) (time.Duration, error) {
	d := p.Delay(text)
	if err := p.sleep(ctx, d); err != nil {
		return 0, err
	}
	return d, nil
}

type randSource interface {
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

var globalRand = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}

func jitterWith(r randSource, base time.Duration, spread float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if spread <= 0 {
		return base
	}
	u := r.Float64()*2 - 1 // U(-1,1)
	d := base + time.Duration(float64(base)*spread*u)
	if d < 0 {
		return 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
