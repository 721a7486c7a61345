// Package relay drives the door relay. Overlapping triggers are reference
// counted so the door never closes while any hold window is still open.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/timeutil"
)

// Stats is a snapshot of the relay counters.
type Stats struct {
	Triggers      uint64
	Releases      uint64
	Outstanding   int
	WriteFailures uint64
}

// Relay is the actor that owns an Actuator. Triggers are processed in
// arrival order on the goroutine running Run.
type Relay struct {
	clock    timeutil.Clock
	logger   *slog.Logger
	act      *Actuator
	triggers chan time.Duration
	rest     chan Level

	nTriggers   atomic.Uint64
	nReleases   atomic.Uint64
	outstanding atomic.Int64
	failures    atomic.Uint64
}

// New returns a relay for line. clock may be nil for wall-clock time.
func New(line Line, rest Level, clock timeutil.Clock, logger *slog.Logger) *Relay {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")
	return &Relay{
		clock:    clock,
		logger:   logger,
		act:      NewActuator(line, rest, logger),
		triggers: make(chan time.Duration, 16),
		rest:     make(chan Level, 1),
	}
}

// Trigger asks the relay to open for hold. It only waits if the trigger
// queue is full.
func (r *Relay) Trigger(ctx context.Context, hold time.Duration) error {
	if hold <= 0 {
		return errors.New("relay hold duration must be > 0")
	}
	select {
	case r.triggers <- hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRestLevel changes the rest level, taking effect in order with triggers.
func (r *Relay) SetRestLevel(level Level) {
	for {
		select {
		case r.rest <- level:
			return
		default:
		}
		select {
		case <-r.rest:
		default:
		}
	}
}

// Stats returns the counters as of the last processed message.
func (r *Relay) Stats() Stats {
	return Stats{
		Triggers:      r.nTriggers.Load(),
		Releases:      r.nReleases.Load(),
		Outstanding:   int(r.outstanding.Load()),
		WriteFailures: r.failures.Load(),
	}
}

// Run drives the line to rest and processes triggers until ctx is done. On
// return the line is left at rest.
func (r *Relay) Run(ctx context.Context) error {
	r.act.Reset()
	defer r.act.Reset()

	timer := r.clock.NewTimer(time.Hour)
	timer.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case hold := <-r.triggers:
			r.act.Trigger(r.clock.Now(), hold)
			r.nTriggers.Add(1)
			r.logger.Debug("relay triggered", "hold", hold, "outstanding", r.act.Outstanding())

		case level := <-r.rest:
			r.act.SetRest(level)
			r.logger.Info("relay rest level changed", "rest", level.String())

		case <-timer.C():
			armed = false
			before := r.act.Outstanding()
			r.act.Expire(r.clock.Now())
			if before > 0 && r.act.Outstanding() == 0 {
				r.nReleases.Add(1)
				r.logger.Debug("relay released")
			}
		}

		if next, ok := r.act.NextDeadline(); ok {
			if armed {
				timer.Stop()
			}
			timer.Reset(max(0, next.Sub(r.clock.Now())))
			armed = true
		} else if armed {
			timer.Stop()
			armed = false
		}

		r.outstanding.Store(int64(r.act.Outstanding()))
		r.failures.Store(r.act.Failures())
	}
}
