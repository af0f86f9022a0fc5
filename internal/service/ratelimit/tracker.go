package ratelimit

import (
	"time"
)

// Limits holds the admission and backoff settings for one source.
type Limits struct {
	MaxConcurrent     int
	MaxPerMinute      int
	MaxPerHour        int
	BaseRetryDelay    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	MaxRequeues       int
	MaxQueueDepth     int
}

// DefaultLimits are applied for sources without explicit configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrent:     5,
		MaxPerMinute:      30,
		MaxPerHour:        500,
		BaseRetryDelay:    time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Minute,
		MaxRequeues:       3,
		MaxQueueDepth:     256,
	}
}

// tracker is the per-source rate limit state. All fields are owned by
// the Manager and guarded by its mutex.
type tracker struct {
	limits       Limits
	minute       []time.Time
	hour         []time.Time
	inFlight     int
	failures     int
	backoffUntil time.Time
	queue        []*queuedRequest
}

func newTracker(limits Limits) *tracker {
	return &tracker{limits: limits}
}

// prune drops window timestamps older than the rolling windows.
func (t *tracker) prune(now time.Time) {
	minCut := now.Add(-time.Minute)
	i := 0
	for i < len(t.minute) && !t.minute[i].After(minCut) {
		i++
	}
	t.minute = t.minute[i:]

	hourCut := now.Add(-time.Hour)
	i = 0
	for i < len(t.hour) && !t.hour[i].After(hourCut) {
		i++
	}
	t.hour = t.hour[i:]
}

// admissible reports whether one more request may start right now. The
// caller must have pruned the windows first.
func (t *tracker) admissible() bool {
	if t.inFlight >= t.limits.MaxConcurrent {
		return false
	}
	if len(t.minute) >= t.limits.MaxPerMinute {
		return false
	}
	if len(t.hour) >= t.limits.MaxPerHour {
		return false
	}
	return true
}

// recordStart counts an admitted request against the windows.
func (t *tracker) recordStart(now time.Time) {
	t.inFlight++
	t.minute = append(t.minute, now)
	t.hour = append(t.hour, now)
}

// backoffDelay computes the exponential delay for the current
// consecutive-failure count. Non-decreasing up to MaxBackoff.
func (t *tracker) backoffDelay() time.Duration {
	d := float64(t.limits.BaseRetryDelay)
	for i := 1; i < t.failures; i++ {
		d *= t.limits.BackoffMultiplier
		if time.Duration(d) >= t.limits.MaxBackoff {
			return t.limits.MaxBackoff
		}
	}
	if time.Duration(d) > t.limits.MaxBackoff {
		return t.limits.MaxBackoff
	}
	return time.Duration(d)
}

// Status is the live view of one source's lane, exposed for the admin
// surface.
type Status struct {
	Source              string        `json:"source"`
	QueueDepth          int           `json:"queue_depth"`
	InFlight            int           `json:"in_flight"`
	LastMinute          int           `json:"last_minute"`
	LastHour            int           `json:"last_hour"`
	BackedOff           bool          `json:"backed_off"`
	BackoffRemaining    time.Duration `json:"backoff_remaining"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

func (t *tracker) status(source string, now time.Time) Status {
	s := Status{
		Source:              source,
		QueueDepth:          len(t.queue),
		InFlight:            t.inFlight,
		LastMinute:          len(t.minute),
		LastHour:            len(t.hour),
		ConsecutiveFailures: t.failures,
	}
	if now.Before(t.backoffUntil) {
		s.BackedOff = true
		s.BackoffRemaining = t.backoffUntil.Sub(now)
	}
	return s
}
