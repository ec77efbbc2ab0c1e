// Package ratelimit gates task dispatch with sliding-window counters over
// request and token throughput. Windows are evicted lazily on each check;
// accounting is optimistic (estimates are recorded at acquisition and never
// corrected against actual usage).
package ratelimit

import (
	"sync"
	"time"
)

// Window durations for the three counters.
const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Limits configures the three sliding-window ceilings.
type Limits struct {
	RequestsPerMinute int
	RequestsPerHour   int
	TokensPerMinute   int
}

// DefaultLimits mirrors the API defaults the manager is tuned for.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute: 60,
		RequestsPerHour:   3600,
		TokensPerMinute:   90000,
	}
}

// Verdict is the outcome of an acquisition attempt. When not allowed,
// WaitUntil is the earliest instant at which the blocking window frees a
// slot, and TokenLimited distinguishes a token-budget denial (a smaller task
// might still pass) from a request-count denial (nothing will pass sooner).
type Verdict struct {
	Allowed      bool
	WaitUntil    time.Time
	TokenLimited bool
}

type tokenEvent struct {
	at     time.Time
	tokens int
}

// Limiter tracks request and token events in sliding windows.
type Limiter struct {
	mu     sync.Mutex
	limits Limits

	minuteRequests []time.Time
	hourRequests   []time.Time
	minuteTokens   []tokenEvent

	nowFunc func() time.Time
}

// New creates a limiter with the given limits.
func New(limits Limits) *Limiter {
	return &Limiter{
		limits:  limits,
		nowFunc: time.Now,
	}
}

// TryAcquire checks all three windows against the candidate's estimated
// tokens. On success the event is recorded immediately and counts against
// subsequent attempts.
func (l *Limiter) TryAcquire(estimatedTokens int) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	l.evict(now)

	if l.limits.RequestsPerMinute > 0 && len(l.minuteRequests) >= l.limits.RequestsPerMinute {
		return Verdict{WaitUntil: l.minuteRequests[0].Add(minuteWindow)}
	}
	if l.limits.RequestsPerHour > 0 && len(l.hourRequests) >= l.limits.RequestsPerHour {
		return Verdict{WaitUntil: l.hourRequests[0].Add(hourWindow)}
	}
	if l.limits.TokensPerMinute > 0 {
		used := 0
		for _, ev := range l.minuteTokens {
			used += ev.tokens
		}
		if used+estimatedTokens > l.limits.TokensPerMinute {
			wait := now
			if len(l.minuteTokens) > 0 {
				wait = l.minuteTokens[0].at.Add(minuteWindow)
			}
			return Verdict{WaitUntil: wait, TokenLimited: true}
		}
	}

	l.minuteRequests = append(l.minuteRequests, now)
	l.hourRequests = append(l.hourRequests, now)
	l.minuteTokens = append(l.minuteTokens, tokenEvent{at: now, tokens: estimatedTokens})
	return Verdict{Allowed: true}
}

// evict drops entries older than their window. Caller holds the lock.
func (l *Limiter) evict(now time.Time) {
	for len(l.minuteRequests) > 0 && now.Sub(l.minuteRequests[0]) > minuteWindow {
		l.minuteRequests = l.minuteRequests[1:]
	}
	for len(l.hourRequests) > 0 && now.Sub(l.hourRequests[0]) > hourWindow {
		l.hourRequests = l.hourRequests[1:]
	}
	for len(l.minuteTokens) > 0 && now.Sub(l.minuteTokens[0].at) > minuteWindow {
		l.minuteTokens = l.minuteTokens[1:]
	}
}

// SetLimits replaces the ceilings. Recorded events are kept, so tightening a
// limit takes effect on the next acquisition attempt.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
}

// Limits returns the current ceilings.
func (l *Limiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// WindowUsage describes one window's current load.
type WindowUsage struct {
	Current   int `json:"current"`
	Limit     int `json:"limit"`
	Available int `json:"available"`
}

// Usage is a point-in-time view across all three windows.
type Usage struct {
	RequestsPerMinute WindowUsage `json:"requests_per_minute"`
	RequestsPerHour   WindowUsage `json:"requests_per_hour"`
	TokensPerMinute   WindowUsage `json:"tokens_per_minute"`
}

// Usage reports current window loads after evicting expired entries.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(l.nowFunc())

	tokens := 0
	for _, ev := range l.minuteTokens {
		tokens += ev.tokens
	}
	return Usage{
		RequestsPerMinute: windowUsage(len(l.minuteRequests), l.limits.RequestsPerMinute),
		RequestsPerHour:   windowUsage(len(l.hourRequests), l.limits.RequestsPerHour),
		TokensPerMinute:   windowUsage(tokens, l.limits.TokensPerMinute),
	}
}

func windowUsage(current, limit int) WindowUsage {
	available := limit - current
	if available < 0 {
		available = 0
	}
	return WindowUsage{Current: current, Limit: limit, Available: available}
}
