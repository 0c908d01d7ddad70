// Package ecapoll implements the polling loop shared by every coordination
// phase: instance status, spot bid status, rendezvous artifact and worker
// membership all wait through Poller.Until.
package ecapoll

import (
	"context"
	"fmt"
	"time"

	"github.com/bcongdon/ensemble/internal/pkg/ecaerr"
)

// MinInterval is the shortest interval the provider tolerates before it
// starts throttling requests.
const MinInterval = 10 * time.Second

// ErrTimeout is returned (wrapped) when a Poller runs out of budget.
var ErrTimeout = ecaerr.ErrTimeout

// Condition reports whether the awaited state has been reached. A non-nil
// error stops polling immediately.
type Condition func(ctx context.Context) (bool, error)

// Poller evaluates a Condition at a fixed interval until it holds or the
// budget elapses.
type Poller struct {
	Interval time.Duration
	// Budget bounds the total wait. Zero means no bound.
	Budget time.Duration
	// Deadline, if set, bounds the wait as well. The earlier of Deadline and
	// start+Budget applies.
	Deadline time.Time
	// Backoff multiplies the interval after each unsuccessful check when > 1.
	Backoff     float64
	MaxInterval time.Duration
}

// Every returns a Poller with the given interval and budget.
func Every(interval, budget time.Duration) Poller {
	return Poller{Interval: interval, Budget: budget}
}

// Within returns a copy of p bounded by the shared budget b.
func (p Poller) Within(b *Budget) Poller {
	p.Deadline = b.deadline
	return p
}

// WithBackoff returns a copy of p whose interval grows by factor per miss,
// capped at max.
func (p Poller) WithBackoff(factor float64, max time.Duration) Poller {
	p.Backoff = factor
	p.MaxInterval = max
	return p
}

func (p Poller) deadline(start time.Time) (time.Time, bool) {
	var d time.Time
	if p.Budget > 0 {
		d = start.Add(p.Budget)
	}
	if !p.Deadline.IsZero() && (d.IsZero() || p.Deadline.Before(d)) {
		d = p.Deadline
	}
	return d, !d.IsZero()
}

// Until blocks until cond holds, cond fails, ctx is done or the budget is
// spent. The last wait is trimmed to the deadline, so a timeout is reported
// no later than one interval after the budget.
func (p Poller) Until(ctx context.Context, cond Condition) error {
	start := time.Now()
	deadline, bounded := p.deadline(start)

	interval := p.Interval
	if interval <= 0 {
		interval = MinInterval
	}

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if bounded && !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond))
		}

		wait := interval
		if bounded {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if p.Backoff > 1 {
			interval = time.Duration(float64(interval) * p.Backoff)
			if p.MaxInterval > 0 && interval > p.MaxInterval {
				interval = p.MaxInterval
			}
		}
	}
}

// Budget is a wait allowance shared across several polling phases.
type Budget struct {
	deadline time.Time
}

// NewBudget starts a budget of d from now.
func NewBudget(d time.Duration) *Budget {
	return &Budget{deadline: time.Now().Add(d)}
}

// Remaining returns the unspent part of the budget, never negative.
func (b *Budget) Remaining() time.Duration {
	if r := time.Until(b.deadline); r > 0 {
		return r
	}
	return 0
}

// Spent reports whether the budget is used up.
func (b *Budget) Spent() bool {
	return b.Remaining() == 0
}
