package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/andresmejia3/gatekeeper/internal/exchange"
	"github.com/andresmejia3/gatekeeper/internal/types"
)

// FrameConsumer accepts a rotated frame exchange. Submit returns false
// without touching frames when the consumer still holds the previous frame.
type FrameConsumer interface {
	Submit(frames *exchange.Exchange[types.FrameBuffer]) bool
}

// Capture pulls frames from a FrameSource into a double buffer and offers
// each one to detection. Frames detection cannot take are overwritten.
type Capture struct {
	source FrameSource
	frames *exchange.Exchange[types.FrameBuffer]
	next   FrameConsumer
	logger *slog.Logger
	stats  counters
	index  uint64
}

// NewCapture returns a Capture reading from source.
func NewCapture(source FrameSource, next FrameConsumer, logger *slog.Logger) *Capture {
	return &Capture{
		source: source,
		frames: exchange.New[types.FrameBuffer](nil),
		next:   next,
		logger: logger.With("stage", "capture"),
	}
}

// Run reads until ctx is cancelled or the source ends. A finite source
// ending is not an error.
func (c *Capture) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame := c.frames.Active()
		if err := c.source.Next(ctx, frame); err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Info("source exhausted", "frames", c.index)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("capture frame %d: %w", c.index+1, err)
		}
		c.index++
		frame.Index = c.index

		if c.next.Submit(c.frames) {
			c.stats.processed.Add(1)
		} else {
			c.stats.dropped.Add(1)
		}
	}
}

// Stats returns the number of frames handed to detection and overwritten.
func (c *Capture) Stats() StageStats { return c.stats.snapshot() }
