package models

import "time"

// RunLock guards a pipeline against overlapping runs. HeldUntil is the TTL safety net
// for holders that crash without releasing.
type RunLock struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	HeldUntil  time.Time `json:"held_until"`
}

// Expired reports whether the lock's TTL has elapsed at now.
func (l *RunLock) Expired(now time.Time) bool {
	return !now.Before(l.HeldUntil)
}

// RateBudget is the windowed call counter consulted by the rate limiter.
type RateBudget struct {
	WindowStart time.Time `json:"window_start"`
	CallCount   int       `json:"call_count"`
	Limit       int       `json:"limit"`
	LastCallAt  time.Time `json:"last_call_at,omitempty"`
}

// Elapsed reports whether the window that started at WindowStart is over at now.
func (b *RateBudget) Elapsed(now time.Time, window time.Duration) bool {
	return b.WindowStart.IsZero() || !now.Before(b.WindowStart.Add(window))
}

// CallsInWindow returns the recorded calls that still count against the budget at now.
func (b *RateBudget) CallsInWindow(now time.Time, window time.Duration) int {
	if b.Elapsed(now, window) {
		return 0
	}
	return b.CallCount
}

// ResetsAt returns when the current window ends.
func (b *RateBudget) ResetsAt(window time.Duration) time.Time {
	return b.WindowStart.Add(window)
}
