package relay

import (
	"context"
	"testing"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T, rest Level) (*Relay, *MemoryLine, *timeutil.MockClock, context.CancelFunc) {
	t.Helper()
	line := &MemoryLine{}
	clock := timeutil.NewMockClock(t0)
	r := New(line, rest, clock, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, line, clock, cancel
}

func TestRelayOverlappingTriggers(t *testing.T) {
	r, line, clock, _ := startRelay(t, Low)
	ctx := context.Background()

	require.NoError(t, r.Trigger(ctx, 3*time.Second))
	require.Eventually(t, func() bool { return r.Stats().Outstanding == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)

	clock.Advance(time.Second)
	require.NoError(t, r.Trigger(ctx, 3*time.Second))
	require.Eventually(t, func() bool { return r.Stats().Outstanding == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)

	// First hold expires at t0+3s; second still open.
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return r.Stats().Outstanding == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, High, line.Level())
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return r.Stats().Outstanding == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, Low, line.Level())

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Triggers)
	assert.Equal(t, uint64(1), stats.Releases)
}

func TestRelayRejectsNonPositiveHold(t *testing.T) {
	r, _, _, _ := startRelay(t, Low)
	assert.Error(t, r.Trigger(context.Background(), 0))
}

func TestRelayLeavesLineAtRestOnShutdown(t *testing.T) {
	r, line, _, cancel := startRelay(t, High)
	require.NoError(t, r.Trigger(context.Background(), time.Hour))
	require.Eventually(t, func() bool { return r.Stats().Outstanding == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Low, line.Level())

	cancel()
	require.Eventually(t, func() bool { return line.Level() == High }, time.Second, time.Millisecond)
}
