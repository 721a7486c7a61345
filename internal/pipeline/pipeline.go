package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Config wires the capabilities of a Pipeline.
type Config struct {
	Source    FrameSource
	Detector  Detector
	Display   Display
	Models    RecognitionModels
	Policy    PolicySource
	Opener    Opener
	Decisions DecisionOptions
}

// Pipeline is the four connected stages.
type Pipeline struct {
	Capture     *Capture
	Detection   *DetectionStage
	Recognition *RecognitionStage
	Decision    *DecisionStage
	logger      *slog.Logger
}

// Stats is a snapshot of every stage.
type Stats struct {
	Capture     StageStats
	Detection   StageStats
	Recognition StageStats
	Decision    DecisionStats
}

// New connects the stages described by cfg.
func New(cfg Config, logger *slog.Logger) *Pipeline {
	recognition := NewRecognitionStage(cfg.Models, cfg.Policy, logger)
	opts := cfg.Decisions
	if opts.Readiness == nil {
		opts.Readiness = recognition
	}
	decision := NewDecisionStage(cfg.Policy, cfg.Opener, opts, logger)
	recognition.Connect(decision)
	detection := NewDetectionStage(cfg.Detector, cfg.Display, recognition, logger)
	return &Pipeline{
		Capture:     NewCapture(cfg.Source, detection, logger),
		Detection:   detection,
		Recognition: recognition,
		Decision:    decision,
		logger:      logger,
	}
}

// Stats returns the counters of every stage.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Capture:     p.Capture.Stats(),
		Detection:   p.Detection.Stats(),
		Recognition: p.Recognition.Stats(),
		Decision:    p.Decision.Stats(),
	}
}

// Idle reports whether no stage holds or is working on an item.
func (p *Pipeline) Idle() bool {
	return p.Detection.Idle() && p.Recognition.Idle() && p.Decision.Idle()
}

// Run starts every stage and blocks until ctx is cancelled or capture fails.
// When the source is exhausted Run waits for the stages to drain and returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{p.Detection.Run, p.Recognition.Run, p.Decision.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	err := p.Capture.Run(ctx)
	if err == nil {
		p.drain(ctx)
	}
	cancel()
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain waits until the last frame has worked its way through.
func (p *Pipeline) drain(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	stable := 0
	for stable < 3 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.Idle() {
			stable++
		} else {
			stable = 0
		}
	}
}
