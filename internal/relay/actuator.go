package relay

import (
	"container/heap"
	"log/slog"
	"time"
)

// Actuator is the relay state machine. It is not safe for concurrent use;
// the Relay actor owns it.
//
// Invariant: the line is at the rest level if and only if Outstanding() == 0.
type Actuator struct {
	line        Line
	rest        Level
	driven      Level
	outstanding int
	deadlines   deadlineHeap
	failures    uint64
	logger      *slog.Logger
}

// NewActuator returns an actuator for line with the given rest level.
// Call Reset before the first Trigger so the line starts at rest.
func NewActuator(line Line, rest Level, logger *slog.Logger) *Actuator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actuator{line: line, rest: rest, driven: rest, logger: logger}
}

// Reset drives the line to rest and forgets every outstanding hold.
func (a *Actuator) Reset() {
	a.outstanding = 0
	a.deadlines = a.deadlines[:0]
	a.drive(a.rest)
}

// Trigger opens the line for hold starting at now.
func (a *Actuator) Trigger(now time.Time, hold time.Duration) {
	a.drive(a.rest.Opposite())
	a.outstanding++
	heap.Push(&a.deadlines, now.Add(hold))
}

// Expire releases every hold whose deadline is at or before now and returns
// how many were released. The line goes back to rest only when the last one
// is released.
func (a *Actuator) Expire(now time.Time) int {
	released := 0
	for len(a.deadlines) > 0 && !a.deadlines[0].After(now) {
		heap.Pop(&a.deadlines)
		released++
		if a.outstanding > 0 {
			a.outstanding--
		}
		if a.outstanding == 0 {
			a.drive(a.rest)
		}
	}
	return released
}

// NextDeadline returns the earliest pending release.
func (a *Actuator) NextDeadline() (time.Time, bool) {
	if len(a.deadlines) == 0 {
		return time.Time{}, false
	}
	return a.deadlines[0], true
}

// SetRest changes the rest level. An idle line moves to the new rest level
// at once; a held line keeps its active level until released.
func (a *Actuator) SetRest(level Level) {
	if level == a.rest {
		return
	}
	a.rest = level
	if a.outstanding == 0 {
		a.drive(a.rest)
	} else {
		a.drive(a.rest.Opposite())
	}
}

// Outstanding is the number of holds not yet released.
func (a *Actuator) Outstanding() int { return a.outstanding }

// Driven is the level most recently written to the line.
func (a *Actuator) Driven() Level { return a.driven }

// Rest is the configured rest level.
func (a *Actuator) Rest() Level { return a.rest }

// Failures counts line writes that returned an error.
func (a *Actuator) Failures() uint64 { return a.failures }

func (a *Actuator) drive(level Level) {
	a.driven = level
	if err := a.line.Set(level); err != nil {
		a.failures++
		a.logger.Error("relay line write failed",
			"kind", "hardware_write_failure", "level", level.String(), "error", err)
	}
}

// deadlineHeap is a min-heap of release times.
type deadlineHeap []time.Time

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(time.Time)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
