// Package ratelimit implements a sliding-window throttle keyed by caller identity.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrLimiterAlreadyRunning = errors.New("rate limiter sweeper is already running")

// Policy is a maximum number of events per trailing window
type Policy struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Config controls idle-key eviction
type Config struct {
	SweepInterval time.Duration
	// IdleTTL must cover the longest policy window or throttled keys are forgotten early
	IdleTTL time.Duration
}

// DefaultConfig returns the sweep settings used by the service
func DefaultConfig() Config {
	return Config{
		SweepInterval: time.Minute,
		IdleTTL:       10 * time.Minute,
	}
}

// Limiter tracks recent event timestamps per key.
// ARCHITECTURAL DISCOVERY: The map lock is held only for lookup and insert;
// each key's history has its own lock so unrelated identities never serialize
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

type window struct {
	mu   sync.Mutex
	hits []time.Time
	last time.Time
	// set under mu when the sweeper removed this window from the map
	dead bool
}

// New creates a limiter using the wall clock
func New(cfg Config) *Limiter {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock creates a limiter with an injected clock
func NewWithClock(cfg Config, now func() time.Time) *Limiter {
	return &Limiter{
		cfg:     cfg,
		now:     now,
		windows: make(map[string]*window),
	}
}

// Allow records an event for key and reports whether it fits the policy.
// A rejected call still records its timestamp, so sustained hammering keeps
// the key throttled instead of waiting out the window.
func (l *Limiter) Allow(key string, max int, period time.Duration) Decision {
	for {
		w := l.lookup(key)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		d := w.record(l.now(), max, period)
		w.mu.Unlock()
		return d
	}
}

// AllowPolicy is Allow with the limits taken from p
func (l *Limiter) AllowPolicy(key string, p Policy) Decision {
	return l.Allow(key, p.Max, p.Window)
}

func (l *Limiter) lookup(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

func (w *window) record(now time.Time, max int, period time.Duration) Decision {
	w.last = now
	if max <= 0 {
		return Decision{Allowed: false, RetryAfter: period}
	}

	// drop timestamps older than now-period; one exactly at the edge still counts
	cutoff := now.Add(-period)
	i := 0
	for i < len(w.hits) && w.hits[i].Before(cutoff) {
		i++
	}
	w.hits = append(w.hits[:0], w.hits[i:]...)

	if len(w.hits) < max {
		w.hits = append(w.hits, now)
		return Decision{Allowed: true}
	}

	w.hits = append(w.hits, now)
	if limit := 2 * max; len(w.hits) > limit {
		w.hits = append(w.hits[:0], w.hits[len(w.hits)-limit:]...)
	}

	// the key is admitted again once the max-th newest hit is strictly older than the window
	retry := w.hits[len(w.hits)-max].Add(period).Sub(now) + time.Nanosecond
	return Decision{Allowed: false, RetryAfter: retry}
}

// Sweep removes keys idle for longer than IdleTTL and returns how many were removed
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		if w.last.Before(cutoff) {
			w.dead = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Start launches the background sweeper; it runs until ctx ends or Stop is called
func (l *Limiter) Start(ctx context.Context) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if l.cancel != nil {
		return ErrLimiterAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.sweepLoop(ctx, l.done)
	return nil
}

// Stop halts the sweeper and waits for it to exit. Tracked keys are kept.
func (l *Limiter) Stop() {
	l.lifecycle.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Limiter) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := l.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				log.Debug().Str("module", "ratelimit").Int("removed", n).Int("tracked", l.Len()).Msg("swept idle keys")
			}
		case <-ctx.Done():
			return
		}
	}
}
