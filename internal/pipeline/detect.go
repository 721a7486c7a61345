package pipeline

import (
	"context"
	"log/slog"

	"github.com/andresmejia3/gatekeeper/internal/exchange"
	"github.com/andresmejia3/gatekeeper/internal/types"
)

// DetectionConsumer is the recognition side of the detection boundary.
type DetectionConsumer interface {
	// Ready reports whether Submit would be accepted.
	Ready() bool
	// Submit rotates data and queues it. It returns false if the previous
	// submission is still being read.
	Submit(data *exchange.Exchange[types.DetectionData]) bool
	// NoFace tells recognition that frame index had no face.
	NoFace(index uint64)
}

// DetectionStage finds the primary face in each frame, feeds the display and
// forwards faces to recognition when recognition is free.
type DetectionStage struct {
	detector Detector
	display  Display
	next     DetectionConsumer
	logger   *slog.Logger

	inbox *exchange.Mailbox[*exchange.Exchange[types.FrameBuffer]]
	gate  exchange.Gate
	out   *exchange.Exchange[types.DetectionData]

	stats    counters
	failures failureLog
}

// NewDetectionStage returns a stage using detector. display may be nil.
func NewDetectionStage(detector Detector, display Display, next DetectionConsumer, logger *slog.Logger) *DetectionStage {
	if display == nil {
		display = discardDisplay{}
	}
	return &DetectionStage{
		detector: detector,
		display:  display,
		next:     next,
		logger:   logger.With("stage", "detection"),
		inbox:    exchange.NewMailbox[*exchange.Exchange[types.FrameBuffer]](),
		out:      exchange.New[types.DetectionData](nil),
	}
}

// Submit implements FrameConsumer.
func (d *DetectionStage) Submit(frames *exchange.Exchange[types.FrameBuffer]) bool {
	if !d.gate.TryAcquire() {
		return false
	}
	frames.Rotate()
	d.inbox.Post(frames)
	return true
}

// Idle reports whether no frame is waiting for or in detection.
func (d *DetectionStage) Idle() bool { return d.gate.Idle() }

// Stats returns the stage counters. Dropped counts faces recognition was too busy to take.
func (d *DetectionStage) Stats() StageStats { return d.stats.snapshot() }

// Run processes frames until ctx is cancelled.
func (d *DetectionStage) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frames := <-d.inbox.C():
			d.process(ctx, frames)
		}
	}
}

func (d *DetectionStage) process(ctx context.Context, frames *exchange.Exchange[types.FrameBuffer]) {
	frame := frames.Inactive()
	d.stats.processed.Add(1)

	visible := d.detect(ctx, &frame.Visible.Small)
	var infrared types.DetectionResult
	if frame.HasInfrared {
		infrared = d.detect(ctx, &frame.Infrared.Small)
	}
	d.display.Show(frame.Index, visible, infrared)

	if !visible.Found() {
		d.next.NoFace(frame.Index)
		d.gate.Release()
		return
	}

	if !d.next.Ready() {
		d.gate.Release()
		d.stats.dropped.Add(1)
		return
	}

	data := d.out.Active()
	data.Index = frame.Index
	data.Visible = visible
	data.Infrared = infrared
	data.HasInfrared = frame.HasInfrared
	data.VisibleImage.CopyFrom(&frame.Visible.Large)
	if frame.HasInfrared {
		data.InfraredImage.CopyFrom(&frame.Infrared.Large)
	}
	if !d.next.Submit(d.out) {
		d.stats.dropped.Add(1)
	}
	d.gate.Release()
}

// detect never fails: a detector error is logged and treated as no face.
func (d *DetectionStage) detect(ctx context.Context, plane *types.Plane) types.DetectionResult {
	faces, err := d.detector.Detect(ctx, plane)
	if err != nil {
		d.stats.failures.Add(1)
		if d.failures.fail() {
			d.logger.Warn("detector failed", "kind", "inference_failure", "streak", d.failures.streak, "error", err)
		}
		return types.DetectionResult{}
	}
	if d.failures.ok() {
		d.logger.Info("detector recovered")
	}
	return detectPrimary(faces, plane)
}
