package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrStopped is returned by Call and Post when the loop has exited.
var ErrStopped = errors.New("scheduler loop stopped")

// LoopConfig holds configuration for the live scheduler loop.
type LoopConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

// Validate defaults the optional fields.
func (c *LoopConfig) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Loop is the live scheduler: a single goroutine that drains a task heap
// against a monotonic clock and services work posted from foreign
// goroutines. It is the "core thread" of the simulation; all pipe state
// lives on it.
type Loop struct {
	log   *slog.Logger
	clock clockwork.Clock

	posted chan func()
	done   chan struct{}

	// Owned by the Run goroutine.
	tasks taskQueue
	seq   uint64
}

// NewLoop creates a loop. It does nothing until Run is called.
func NewLoop(cfg *LoopConfig) (*Loop, error) {
	if cfg == nil {
		cfg = &LoopConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loop config: %w", err)
	}
	return &Loop{
		log:    cfg.Logger,
		clock:  cfg.Clock,
		posted: make(chan func()),
		done:   make(chan struct{}),
	}, nil
}

// Now returns the loop's clock reading.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Schedule enqueues fn on the task heap. Core context only.
func (l *Loop) Schedule(delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}
	l.seq++
	l.tasks.push(l.clock.Now().Add(delay), l.seq, fn)
}

// Post marshals fn onto the loop from any goroutine. It blocks until the
// loop accepts it, and returns ErrStopped if the loop has exited.
func (l *Loop) Post(fn func()) error {
	select {
	case l.posted <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Call posts fn onto the loop and waits for it to finish. This is how
// control-plane goroutines (HTTP handlers) read and mutate core state.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		defer close(ran)
		fn()
	}
	select {
	case l.posted <- wrapped:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Run drives the loop until ctx is cancelled. Unfired tasks are
// abandoned on exit; their callbacks never run.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		// Fire everything already due before blocking. Tasks scheduled
		// by the batch itself, even at zero delay, land on a later pass.
		if l.runDue() {
			continue
		}

		var timer clockwork.Timer
		var timerCh <-chan time.Time
		if len(l.tasks) > 0 {
			timer = l.clock.NewTimer(l.tasks[0].due.Sub(l.clock.Now()))
			timerCh = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case fn := <-l.posted:
			if timer != nil {
				timer.Stop()
			}
			l.dispatch(fn)
		case <-timerCh:
		}
	}
}

// runDue pops the batch of tasks due at the current clock reading and
// fires them in (due, insertion) order. Returns whether anything fired.
func (l *Loop) runDue() bool {
	now := l.clock.Now()
	var batch []*task
	for {
		t := l.tasks.popDue(now)
		if t == nil {
			break
		}
		batch = append(batch, t)
	}
	for _, t := range batch {
		l.dispatch(t.fn)
	}
	return len(batch) > 0
}

// dispatch runs a callback, containing panics so one bad callback does
// not halt the pipes.
func (l *Loop) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("scheduled callback panicked", "panic", r)
		}
	}()
	fn()
}
