package strava

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Priority controls when an outbound call is scheduled, not whether it is
// ultimately admitted. High is for interactive traffic (webhook fetches),
// medium for on-demand refreshes, low for backfill.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// WindowKind identifies one of the two quota windows
type WindowKind int

const (
	WindowShort WindowKind = iota // 15 minutes
	WindowLong                    // 24 hours
)

func (k WindowKind) String() string {
	if k == WindowShort {
		return "short"
	}
	return "long"
}

const (
	shortWindowDuration = 15 * time.Minute
	longWindowDuration  = 24 * time.Hour
)

// Permit records a successful admission
type Permit struct {
	Priority   Priority
	AcquiredAt time.Time
	Waited     time.Duration
}

type quotaWindow struct {
	limit         int
	used          int
	start         time.Time
	end           time.Time
	cooldownUntil time.Time
}

// rollover lazily resets the window when its end has elapsed. Evaluated per
// admit call, never by a timer.
func (w *quotaWindow) rollover(now time.Time, duration time.Duration) {
	if w.end.IsZero() || !now.Before(w.end) {
		w.used = 0
		w.start = now
		w.end = now.Add(duration)
	}
}

func (w *quotaWindow) headroom() int {
	return w.limit - w.used
}

// QuotaLimiter enforces Strava's two concurrent rate ceilings: a 15-minute
// window and a 24-hour window. Both must have headroom before a call is
// admitted. Local counters are advisory; Reconcile folds in the authoritative
// usage Strava reports on each response.
type QuotaLimiter struct {
	mu         sync.Mutex
	short      quotaWindow
	long       quotaWindow
	lastMedium time.Time
	lastLow    time.Time

	now func() time.Time // injectable for tests
}

// NewQuotaLimiter creates a limiter with the given window capacities.
// Zero or negative capacity is a configuration error.
func NewQuotaLimiter(shortLimit, longLimit int) (*QuotaLimiter, error) {
	if shortLimit <= 0 {
		return nil, fmt.Errorf("short window capacity must be positive, got %d", shortLimit)
	}
	if longLimit <= 0 {
		return nil, fmt.Errorf("long window capacity must be positive, got %d", longLimit)
	}
	return &QuotaLimiter{
		short: quotaWindow{limit: shortLimit},
		long:  quotaWindow{limit: longLimit},
		now:   time.Now,
	}, nil
}

// Admit blocks until both windows have headroom and the priority's pacing
// delay has elapsed, then consumes one slot from each window. It fails only
// on cancellation or when the wait would exceed the context deadline, in
// which case a Timeout error is returned without consuming any slot.
func (q *QuotaLimiter) Admit(ctx context.Context, p Priority) (*Permit, error) {
	begin := q.clock()

	for {
		q.mu.Lock()
		now := q.clock()
		q.short.rollover(now, shortWindowDuration)
		q.long.rollover(now, longWindowDuration)

		wait := q.nextWait(now, p)
		if wait <= 0 {
			q.short.used++
			q.long.used++
			switch p {
			case PriorityMedium:
				q.lastMedium = now
			case PriorityLow:
				q.lastLow = now
			}
			q.mu.Unlock()
			return &Permit{Priority: p, AcquiredAt: now, Waited: now.Sub(begin)}, nil
		}
		q.mu.Unlock()

		if deadline, ok := ctx.Deadline(); ok && now.Add(wait).After(deadline) {
			return nil, newError(KindTimeout, "quota_admit", 0,
				fmt.Errorf("wait of %s exceeds caller budget", wait))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if ctx.Err() == context.DeadlineExceeded {
				return nil, newError(KindTimeout, "quota_admit", 0, ctx.Err())
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// nextWait computes how long the caller must wait before the next admission
// attempt. Zero means admit now. Called with q.mu held, after rollover.
func (q *QuotaLimiter) nextWait(now time.Time, p Priority) time.Duration {
	// Remote-reported 429 cooldowns gate everything.
	if cd := laterTime(q.short.cooldownUntil, q.long.cooldownUntil); now.Before(cd) {
		return cd.Sub(now)
	}

	// Hard ceilings apply to every tier.
	if q.short.headroom() <= 0 {
		return q.short.end.Sub(now)
	}
	if q.long.headroom() <= 0 {
		return q.long.end.Sub(now)
	}

	switch p {
	case PriorityMedium:
		return paceDelay(now, q.lastMedium, q.short.end, q.short.headroom())
	case PriorityLow:
		return paceDelay(now, q.lastLow, q.long.end, q.long.headroom())
	default:
		return 0
	}
}

// paceDelay spreads the window's remaining headroom evenly across its
// remaining duration: delay = max(0, expectedInterval - elapsedSinceLast).
func paceDelay(now, last, windowEnd time.Time, headroom int) time.Duration {
	if last.IsZero() {
		return 0
	}
	remaining := windowEnd.Sub(now)
	if remaining <= 0 || headroom <= 0 {
		return 0
	}
	expectedInterval := remaining / time.Duration(headroom)
	delay := expectedInterval - now.Sub(last)
	if delay < 0 {
		return 0
	}
	return delay
}

// Reconcile folds Strava-reported usage counters into the local windows.
// The remote service is authoritative: local usage takes the maximum of
// tracked and reported values so concurrent bursts never undercount.
// Non-positive reported limits leave the configured limits unchanged.
func (q *QuotaLimiter) Reconcile(shortUsage, shortLimit, longUsage, longLimit int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	q.short.rollover(now, shortWindowDuration)
	q.long.rollover(now, longWindowDuration)

	if shortUsage > q.short.used {
		q.short.used = shortUsage
	}
	if longUsage > q.long.used {
		q.long.used = longUsage
	}
	if shortLimit > 0 {
		q.short.limit = shortLimit
	}
	if longLimit > 0 {
		q.long.limit = longLimit
	}
}

// MarkExceeded records a remote-reported hard block (429) and holds all
// admission for the given window kind. With no Retry-After hint the cooldown
// runs to the window's scheduled end.
func (q *QuotaLimiter) MarkExceeded(kind WindowKind, retryAfter time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	q.short.rollover(now, shortWindowDuration)
	q.long.rollover(now, longWindowDuration)

	w := &q.short
	if kind == WindowLong {
		w = &q.long
	}

	until := w.end
	if retryAfter > 0 {
		until = now.Add(retryAfter)
	}
	if until.After(w.cooldownUntil) {
		w.cooldownUntil = until
	}
}

// QuotaStatus is a snapshot of both windows
type QuotaStatus struct {
	ShortLimit int
	ShortUsed  int
	LongLimit  int
	LongUsed   int
}

// Status returns a snapshot of current window usage
func (q *QuotaLimiter) Status() QuotaStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	q.short.rollover(now, shortWindowDuration)
	q.long.rollover(now, longWindowDuration)

	return QuotaStatus{
		ShortLimit: q.short.limit,
		ShortUsed:  q.short.used,
		LongLimit:  q.long.limit,
		LongUsed:   q.long.used,
	}
}

func (q *QuotaLimiter) clock() time.Time {
	if q.now != nil {
		return q.now()
	}
	return time.Now()
}

func laterTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
