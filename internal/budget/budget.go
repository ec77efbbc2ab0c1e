// Package budget enforces monetary spend ceilings for AI work. Three ledgers
// run in parallel: total (never resets), daily and hourly (reset when the
// wall clock crosses the boundary). Submission reserves the estimated cost;
// completion replaces the reservation with the actual cost.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBudgetExceeded rejects a submission that would push a ledger past its
// limit.
var ErrBudgetExceeded = errors.New("budget exceeded")

// LimitError reports which ledger blocked a reservation.
type LimitError struct {
	Ledger    string // "total", "daily", "hourly"
	Projected float64
	Limit     float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s budget exceeded: $%.4f > $%.2f", e.Ledger, e.Projected, e.Limit)
}

func (e *LimitError) Unwrap() error { return ErrBudgetExceeded }

// Limits holds the three ceilings in USD. A zero limit disables that ledger.
type Limits struct {
	Total  float64
	Daily  float64
	Hourly float64
}

// DefaultLimits returns the stock budget configuration.
func DefaultLimits() Limits {
	return Limits{Total: 100.0, Daily: 10.0, Hourly: 1.0}
}

// Option configures a Controller.
type Option func(*Controller)

// WithNowFunc injects a clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Controller) { c.nowFunc = now }
}

// Controller tracks spend and reservations against the three ledgers.
type Controller struct {
	mu     sync.Mutex
	limits Limits

	totalSpent  float64
	dailySpent  float64
	hourlySpent float64

	day  time.Time // midnight of the day dailySpent covers
	hour time.Time // top of the hour hourlySpent covers

	reserved    map[string]float64 // task id -> reserved estimate
	reservedSum float64

	nowFunc func() time.Time
}

// New creates a controller with the given limits.
func New(limits Limits, opts ...Option) *Controller {
	c := &Controller{
		limits:   limits,
		reserved: make(map[string]float64),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	now := c.nowFunc()
	c.day = dayOf(now)
	c.hour = hourOf(now)
	return c
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func hourOf(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

// rollover resets the daily/hourly ledgers when the clock crossed a
// boundary. Caller holds the lock.
func (c *Controller) rollover(now time.Time) {
	if day := dayOf(now); !day.Equal(c.day) {
		c.day = day
		c.dailySpent = 0
	}
	if hour := hourOf(now); !hour.Equal(c.hour) {
		c.hour = hour
		c.hourlySpent = 0
	}
}

// Reserve admits a task if its estimated cost fits all three ledgers,
// holding the estimate against them until Release or RecordActual.
func (c *Controller) Reserve(taskID string, estimated float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(c.nowFunc())

	committed := c.reservedSum + estimated
	if c.limits.Total > 0 && c.totalSpent+committed > c.limits.Total {
		return &LimitError{Ledger: "total", Projected: c.totalSpent + committed, Limit: c.limits.Total}
	}
	if c.limits.Daily > 0 && c.dailySpent+committed > c.limits.Daily {
		return &LimitError{Ledger: "daily", Projected: c.dailySpent + committed, Limit: c.limits.Daily}
	}
	if c.limits.Hourly > 0 && c.hourlySpent+committed > c.limits.Hourly {
		return &LimitError{Ledger: "hourly", Projected: c.hourlySpent + committed, Limit: c.limits.Hourly}
	}

	c.reserved[taskID] = estimated
	c.reservedSum += estimated
	return nil
}

// Release drops a reservation without spending (cancellation, or a failure
// that incurred no cost).
func (c *Controller) Release(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(taskID)
}

func (c *Controller) release(taskID string) {
	if est, ok := c.reserved[taskID]; ok {
		c.reservedSum -= est
		delete(c.reserved, taskID)
	}
}

// RecordActual replaces the task's reservation with the actual cost, debiting
// all three ledgers. Actual may differ from the estimate in either direction.
func (c *Controller) RecordActual(taskID string, actual float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(c.nowFunc())
	c.release(taskID)

	c.totalSpent += actual
	c.dailySpent += actual
	c.hourlySpent += actual
}

// AdjustLimits replaces any non-nil limit. Already-admitted tasks keep their
// reservations even if a new limit is lower.
func (c *Controller) AdjustLimits(total, daily, hourly *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if total != nil {
		c.limits.Total = *total
	}
	if daily != nil {
		c.limits.Daily = *daily
	}
	if hourly != nil {
		c.limits.Hourly = *hourly
	}
}

// Limits returns the current ceilings.
func (c *Controller) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// Remaining holds headroom per ledger, net of spend (not reservations).
type Remaining struct {
	Total  float64 `json:"total"`
	Daily  float64 `json:"daily"`
	Hourly float64 `json:"hourly"`
}

// Remaining reports per-ledger headroom after boundary rollover.
func (c *Controller) Remaining() Remaining {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(c.nowFunc())
	return Remaining{
		Total:  headroom(c.limits.Total, c.totalSpent),
		Daily:  headroom(c.limits.Daily, c.dailySpent),
		Hourly: headroom(c.limits.Hourly, c.hourlySpent),
	}
}

func headroom(limit, spent float64) float64 {
	if limit <= 0 {
		return 0
	}
	if rem := limit - spent; rem > 0 {
		return rem
	}
	return 0
}

// LedgerUsage describes one ledger's spend against its limit.
type LedgerUsage struct {
	Cost      float64 `json:"cost"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"`
	Percent   float64 `json:"percentage"`
}

// Usage is a point-in-time view across all three ledgers.
type Usage struct {
	Total  LedgerUsage `json:"total"`
	Daily  LedgerUsage `json:"daily"`
	Hourly LedgerUsage `json:"hourly"`
}

// Usage reports spend per ledger after boundary rollover.
func (c *Controller) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(c.nowFunc())
	return Usage{
		Total:  ledgerUsage(c.totalSpent, c.limits.Total),
		Daily:  ledgerUsage(c.dailySpent, c.limits.Daily),
		Hourly: ledgerUsage(c.hourlySpent, c.limits.Hourly),
	}
}

func ledgerUsage(spent, limit float64) LedgerUsage {
	u := LedgerUsage{Cost: spent, Limit: limit, Remaining: headroom(limit, spent)}
	if limit > 0 {
		u.Percent = spent / limit * 100
	}
	return u
}
