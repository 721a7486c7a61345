package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/gatekeeper/internal/policy"
	"github.com/andresmejia3/gatekeeper/internal/types"
)

func TestPipelineGrantsMaskedKnownPerson(t *testing.T) {
	opener := &recordingOpener{}
	sink := &recordingSink{}
	var displayed atomic.Int64

	p := New(Config{
		Source:   &sliceSource{n: 20},
		Detector: oneFace(),
		Display: DisplayFunc(func(uint64, types.DetectionResult, types.DetectionResult) {
			displayed.Add(1)
		}),
		Models: matchModels(0.92, true),
		Policy: testPolicy(func(p *policy.Policy) { p.Checks = policy.CheckStatus }),
		Opener: opener,
		Decisions: DecisionOptions{
			Sinks: []DecisionSink{sink},
		},
	}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	decisions := sink.All()
	require.Len(t, decisions, 1, "one appearance, one decision")
	assert.True(t, decisions[0].Verdict.Open)
	assert.InDelta(t, 0.962, decisions[0].Person.Score, 0.001)
	assert.Equal(t, 1, opener.Count())

	stats := p.Stats()
	assert.Equal(t, uint64(20), stats.Capture.Processed+stats.Capture.Dropped)
	assert.Equal(t, int64(stats.Detection.Processed), displayed.Load())
	assert.True(t, p.Idle())
}

type failingSource struct{}

func (failingSource) Next(context.Context, *types.FrameBuffer) error {
	return errors.New("device unplugged")
}

func TestPipelineReturnsSourceError(t *testing.T) {
	p := New(Config{
		Source:   failingSource{},
		Detector: noFace(),
		Models:   matchModels(0.9, false),
		Policy:   testPolicy(nil),
		Opener:   &recordingOpener{},
	}, quietLogger())

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device unplugged")
}

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context, _ *types.FrameBuffer) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPipelineStopsOnCancel(t *testing.T) {
	p := New(Config{
		Source:   blockingSource{},
		Detector: noFace(),
		Models:   matchModels(0.9, false),
		Policy:   testPolicy(nil),
		Opener:   &recordingOpener{},
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}
