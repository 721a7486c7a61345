package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/gatekeeper/internal/exchange"
	"github.com/andresmejia3/gatekeeper/internal/types"
)

type shown struct {
	index    uint64
	visible  types.DetectionResult
	infrared types.DetectionResult
}

func newDetection(t *testing.T, det Detector, next DetectionConsumer) (*DetectionStage, *[]shown) {
	t.Helper()
	var display []shown
	d := NewDetectionStage(det, DisplayFunc(func(i uint64, v, ir types.DetectionResult) {
		display = append(display, shown{i, v, ir})
	}), next, quietLogger())
	return d, &display
}

// step offers one frame and runs one detection cycle synchronously.
func step(t *testing.T, d *DetectionStage, frames *exchange.Exchange[types.FrameBuffer], index uint64, infrared bool) {
	t.Helper()
	f := frames.Active()
	fillFrame(f, infrared)
	f.Index = index
	require.True(t, d.Submit(frames))
	d.process(context.Background(), <-d.inbox.C())
	require.True(t, d.Idle(), "detection must release the frame")
}

func TestDetectionForwardsFaceWhenReady(t *testing.T) {
	rec := &fakeRecognizer{ready: true}
	d, display := newDetection(t, oneFace(), rec)
	frames := exchange.New[types.FrameBuffer](nil)

	step(t, d, frames, 1, true)

	require.Len(t, rec.submitted, 1)
	got := rec.submitted[0]
	assert.Equal(t, uint64(1), got.Index)
	assert.True(t, got.Visible.Found())
	assert.True(t, got.Infrared.Found())
	assert.InDelta(t, 0.25, got.Visible.Face.X, 1e-9)
	assert.Equal(t, 400, got.VisibleImage.Width)
	assert.Equal(t, 300, got.InfraredImage.Height)

	require.Len(t, *display, 1)
	assert.True(t, (*display)[0].visible.Found())
}

func TestDetectionFeedsDisplayWhileRecognitionBusy(t *testing.T) {
	rec := &fakeRecognizer{ready: false}
	d, display := newDetection(t, oneFace(), rec)
	frames := exchange.New[types.FrameBuffer](nil)

	for i := uint64(1); i <= 5; i++ {
		step(t, d, frames, i, false)
	}

	assert.Len(t, *display, 5)
	assert.Empty(t, rec.submitted)
	assert.Equal(t, uint64(5), d.Stats().Dropped)
	assert.Equal(t, uint64(5), d.Stats().Processed)
}

func TestDetectionNoFaceNotifiesRecognition(t *testing.T) {
	rec := &fakeRecognizer{ready: false}
	d, display := newDetection(t, noFace(), rec)
	frames := exchange.New[types.FrameBuffer](nil)

	step(t, d, frames, 9, false)

	assert.Equal(t, []uint64{9}, rec.noFaces)
	require.Len(t, *display, 1)
	assert.False(t, (*display)[0].visible.Found())
}

func TestDetectionFailureCountsAsNoFace(t *testing.T) {
	rec := &fakeRecognizer{ready: true}
	broken := detectorFunc(func(context.Context, *types.Plane) ([]types.RawFace, error) {
		return nil, errors.New("model unloaded")
	})
	d, display := newDetection(t, broken, rec)
	frames := exchange.New[types.FrameBuffer](nil)

	step(t, d, frames, 1, false)
	step(t, d, frames, 2, false)

	assert.Equal(t, []uint64{1, 2}, rec.noFaces)
	assert.Len(t, *display, 2)
	assert.Equal(t, uint64(2), d.Stats().Failures)
}

func TestDetectionSubmitRejectsWhileBusy(t *testing.T) {
	d, _ := newDetection(t, oneFace(), &fakeRecognizer{})
	frames := exchange.New[types.FrameBuffer](nil)

	*frames.Active() = types.FrameBuffer{Index: 1}
	require.True(t, d.Submit(frames))
	*frames.Active() = types.FrameBuffer{Index: 2}
	assert.False(t, d.Submit(frames))

	// The rejected frame stays in the producer's slot to be overwritten.
	assert.Equal(t, uint64(2), frames.Active().Index)
	assert.Equal(t, uint64(1), frames.Inactive().Index)
}

func TestDetectionPicksLargestFace(t *testing.T) {
	rec := &fakeRecognizer{ready: true}
	det := detectorFunc(func(context.Context, *types.Plane) ([]types.RawFace, error) {
		return []types.RawFace{
			{X: 0, Y: 0, Width: 10, Height: 10},
			{X: 50, Y: 25, Width: 20, Height: 20},
			{X: 0, Y: 50, Width: 20, Height: 20},
		}, nil
	})
	d, _ := newDetection(t, det, rec)
	frames := exchange.New[types.FrameBuffer](nil)

	step(t, d, frames, 1, false)

	require.Len(t, rec.submitted, 1)
	assert.InDelta(t, 0.5, rec.submitted[0].Visible.Face.X, 1e-9)
}
