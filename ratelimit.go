package quill

import (
	"context"
	"sync"
	"time"
)

// Mode is a caller-declared operating profile that scales pacing delays.
type Mode string

// Operating modes.
const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeDeep     Mode = "deep"
)

// DelayConfig configures the Tracker.
type DelayConfig struct {
	BaseDelay       time.Duration
	ModeMultipliers map[Mode]float64
	ErrorThreshold  int           // Recent events needed to escalate
	ErrorMultiplier float64       // Escalation factor once the threshold is met
	Window          time.Duration // How far back events count as recent
	MaxDelay        time.Duration // Upper bound on any suggestion
	Capacity        int           // Ring size
}

// DefaultDelayConfig returns the default pacing configuration.
func DefaultDelayConfig() DelayConfig {
	return DelayConfig{
		BaseDelay: 2 * time.Second,
		ModeMultipliers: map[Mode]float64{
			ModeFast:     1.0,
			ModeBalanced: 1.5,
			ModeDeep:     2.5,
		},
		ErrorThreshold:  3,
		ErrorMultiplier: 1.5,
		Window:          5 * time.Minute,
		MaxDelay:        20 * time.Second,
		Capacity:        10,
	}
}

// withDefaults fills zero fields from DefaultDelayConfig.
func (c DelayConfig) withDefaults() DelayConfig {
	d := DefaultDelayConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.ModeMultipliers == nil {
		c.ModeMultipliers = d.ModeMultipliers
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.ErrorMultiplier <= 0 {
		c.ErrorMultiplier = d.ErrorMultiplier
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	return c
}

// Tracker keeps a bounded ring of rate-limit timestamps and suggests how long
// a caller should wait before its next logical request.
// It never talks to the network; its output is advisory.
//
// Trackers are safe for concurrent use.
type Tracker struct {
	cfg    DelayConfig
	events []time.Time // ring buffer, oldest overwritten first
	next   int
	count  int
	now    func() time.Time
	mu     sync.Mutex
}

// NewTracker creates a tracker. Zero config fields take their defaults.
func NewTracker(cfg DelayConfig) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		cfg:    cfg,
		events: make([]time.Time, cfg.Capacity),
		now:    time.Now,
	}
}

// WithClock replaces the tracker's time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	return t
}

// RecordRateLimitEvent appends the current time to the ring.
func (t *Tracker) RecordRateLimitEvent() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events[t.next] = t.now()
	t.next = (t.next + 1) % len(t.events)
	if t.count < len(t.events) {
		t.count++
	}
}

// RecentEvents returns how many recorded events fall within the window.
func (t *Tracker) RecentEvents() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recentLocked()
}

func (t *Tracker) recentLocked() int {
	cutoff := t.now().Add(-t.cfg.Window)
	n := 0
	for i := 0; i < t.count; i++ {
		if t.events[i].After(cutoff) {
			n++
		}
	}
	return n
}

// SuggestedDelay computes base × mode multiplier, escalated by the error
// multiplier when recent events meet the threshold, clamped to MaxDelay.
// Unknown modes use a multiplier of 1.
func (t *Tracker) SuggestedDelay(mode Mode) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	mult, ok := t.cfg.ModeMultipliers[mode]
	if !ok || mult <= 0 {
		mult = 1
	}
	delay := float64(t.cfg.BaseDelay) * mult
	if t.recentLocked() >= t.cfg.ErrorThreshold {
		delay *= t.cfg.ErrorMultiplier
	}
	if delay > float64(t.cfg.MaxDelay) {
		return t.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Wait sleeps for the suggested delay or until ctx is done.
func (t *Tracker) Wait(ctx context.Context, mode Mode) error {
	return sleepContext(ctx, t.SuggestedDelay(mode))
}

// Reset drops all recorded events.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = make([]time.Time, len(t.events))
	t.next = 0
	t.count = 0
}

// sleepContext waits for d or until ctx is done, returning ErrCancelled in the latter case.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return cancelled(ctx)
	}
}
