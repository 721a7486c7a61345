package pipeline

import "sync/atomic"

// StageStats is a snapshot of one stage's counters.
type StageStats struct {
	Processed uint64
	Dropped   uint64
	Failures  uint64
}

type counters struct {
	processed atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64
}

func (c *counters) snapshot() StageStats {
	return StageStats{
		Processed: c.processed.Load(),
		Dropped:   c.dropped.Load(),
		Failures:  c.failures.Load(),
	}
}

// failureLog reports the first failure of a streak and every 100th after it,
// so a dead model at 30fps does not flood the log.
type failureLog struct {
	streak uint64
}

func (f *failureLog) fail() bool {
	f.streak++
	return f.streak == 1 || f.streak%100 == 0
}

func (f *failureLog) ok() bool {
	recovered := f.streak > 0
	f.streak = 0
	return recovered
}
