package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/andresmejia3/gatekeeper/internal/exchange"
	"github.com/andresmejia3/gatekeeper/internal/policy"
	"github.com/andresmejia3/gatekeeper/internal/types"
)

// Readiness tells recognition which checks decision no longer needs for the
// person currently in view.
type Readiness struct {
	Appearance      uint64
	LivenessSettled bool
	IdentitySettled bool
}

// ResultConsumer is the decision side of the recognition boundary.
type ResultConsumer interface {
	Idle() bool
	Submit(results *exchange.Exchange[types.RecognitionResult]) bool
}

// RecognitionModels are the inference capabilities recognition calls into.
type RecognitionModels struct {
	Extractor    Extractor
	AntiSpoofing AntiSpoofing
	Mask         MaskClassifier
	Database     FaceDatabase
}

type recognizeRequest struct {
	data  *exchange.Exchange[types.DetectionData] // nil for a no-face frame
	index uint64
}

// RecognitionStage runs liveness, mask and identity checks on the selected
// face and hands the result to decision when decision is idle.
type RecognitionStage struct {
	models RecognitionModels
	policy PolicySource
	logger *slog.Logger
	next   ResultConsumer

	inbox     *exchange.Mailbox[recognizeRequest]
	readiness *exchange.Mailbox[Readiness]
	gate      exchange.Gate
	busy      atomic.Bool
	queued    atomic.Int64
	out       *exchange.Exchange[types.RecognitionResult]

	// appearance is bumped by every no-face notice. Unlike the notice itself
	// it cannot be overwritten or dropped on the way to decision.
	appearance atomic.Uint64
	settled    Readiness

	stats         counters
	failures      failureLog
	queryFailures failureLog
	cycleFailed   bool
}

// NewRecognitionStage returns a stage. next may be set later with Connect.
func NewRecognitionStage(models RecognitionModels, policy PolicySource, logger *slog.Logger) *RecognitionStage {
	return &RecognitionStage{
		models:    models,
		policy:    policy,
		logger:    logger.With("stage", "recognition"),
		inbox:     exchange.NewMailbox[recognizeRequest](),
		readiness: exchange.NewMailbox[Readiness](),
		out:       exchange.New[types.RecognitionResult](nil),
	}
}

// Connect sets the stage results are forwarded to. It must be called before Run.
func (r *RecognitionStage) Connect(next ResultConsumer) { r.next = next }

// Ready implements DetectionConsumer.
func (r *RecognitionStage) Ready() bool { return r.gate.Idle() }

// Busy reports whether a recognition cycle is running.
func (r *RecognitionStage) Busy() bool { return r.busy.Load() }

// Idle reports whether no request is waiting for or in recognition.
func (r *RecognitionStage) Idle() bool { return r.queued.Load() == 0 && r.gate.Idle() }

func (r *RecognitionStage) post(req recognizeRequest) (recognizeRequest, bool) {
	r.queued.Add(1)
	displaced, dropped := r.inbox.Post(req)
	if dropped {
		r.queued.Add(-1)
	}
	return displaced, dropped
}

// Submit implements DetectionConsumer.
func (r *RecognitionStage) Submit(data *exchange.Exchange[types.DetectionData]) bool {
	if !r.gate.TryAcquire() {
		return false
	}
	data.Rotate()
	r.post(recognizeRequest{data: data})
	return true
}

// NoFace implements DetectionConsumer. A no-face notice replaces a face that
// recognition has not started on yet.
func (r *RecognitionStage) NoFace(index uint64) {
	r.appearance.Add(1)
	displaced, dropped := r.post(recognizeRequest{index: index})
	if dropped && displaced.data != nil {
		r.gate.Release()
		r.stats.dropped.Add(1)
	}
}

// SetReadiness records what decision has settled. The latest value wins and
// takes effect from the next cycle.
func (r *RecognitionStage) SetReadiness(s Readiness) {
	r.readiness.Post(s)
}

// Stats returns the stage counters. Dropped counts results decision was too busy to take.
func (r *RecognitionStage) Stats() StageStats { return r.stats.snapshot() }

// Run processes requests until ctx is cancelled.
func (r *RecognitionStage) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-r.inbox.C():
			r.process(ctx, req)
			r.queued.Add(-1)
		}
	}
}

func (r *RecognitionStage) process(ctx context.Context, req recognizeRequest) {
	r.busy.Store(true)
	defer r.busy.Store(false)
	r.stats.processed.Add(1)

	appearance := r.appearance.Load()
	if r.settled.Appearance != appearance {
		r.settled = Readiness{Appearance: appearance}
	}
	// Flags settled for an earlier appearance are stale.
	if s, ok := r.readiness.TryReceive(); ok && s.Appearance == appearance {
		r.settled = s
	}

	out := r.out.Active()
	out.Reset()
	out.Appearance = appearance
	if req.data == nil {
		out.Index = req.index
	} else {
		r.recognize(ctx, req.data.Inactive(), out, r.policy.Current())
		defer r.gate.Release()
	}

	if r.next == nil {
		return
	}
	if !r.next.Idle() || !r.next.Submit(r.out) {
		r.stats.dropped.Add(1)
		runtime.Gosched()
	}
}

func (r *RecognitionStage) recognize(ctx context.Context, in *types.DetectionData, out *types.RecognitionResult, p policy.Policy) {
	out.Index = in.Index
	out.Visible = in.Visible
	out.Infrared = in.Infrared
	out.FaceFound = in.Visible.Found()
	if !out.FaceFound {
		return
	}
	face := in.Visible.Face.Scale(in.VisibleImage.Width, in.VisibleImage.Height)
	r.cycleFailed = false
	defer func() {
		if !r.cycleFailed && r.failures.ok() {
			r.logger.Info("recognition recovered")
		}
	}()

	if !r.settled.LivenessSettled {
		out.HasLiveness = true
		out.IsLive = r.live(ctx, in, face, p)
	}

	if !r.settled.IdentitySettled {
		out.HasIdentity = true
		out.HasMask = r.masked(ctx, in, face, p)
		r.identify(ctx, in, face, out)
	}
}

// live needs a face on the infrared channel as well as a positive classifier
// verdict on the visible one.
func (r *RecognitionStage) live(ctx context.Context, in *types.DetectionData, face types.RawFace, p policy.Policy) bool {
	if !p.AntiSpoofing {
		return true
	}
	if !in.HasInfrared || !in.Infrared.Found() || r.models.AntiSpoofing == nil {
		return false
	}
	ok, err := r.models.AntiSpoofing.Live(ctx, &in.VisibleImage, face, p.AntiSpoofScore)
	if err != nil {
		r.fail("anti-spoofing failed", err)
		return false
	}
	return ok
}

func (r *RecognitionStage) masked(ctx context.Context, in *types.DetectionData, face types.RawFace, p policy.Policy) bool {
	if r.models.Mask == nil {
		return false
	}
	ok, err := r.models.Mask.Masked(ctx, &in.VisibleImage, face, p.MaskScore)
	if err != nil {
		r.fail("mask classifier failed", err)
		return false
	}
	return ok
}

// identify leaves out.Identity zero and out.Score 0 when the face cannot be matched.
func (r *RecognitionStage) identify(ctx context.Context, in *types.DetectionData, face types.RawFace, out *types.RecognitionResult) {
	feature, pose, err := r.models.Extractor.Extract(ctx, &in.VisibleImage, face)
	if err != nil {
		r.fail("feature extraction failed", err)
		return
	}
	out.Visible.Face.Pose = pose
	out.Feature = append(out.Feature, feature...)

	matches, err := r.models.Database.Query(ctx, feature, 1)
	if err != nil && !errors.Is(err, types.ErrEmptyDatabase) {
		r.stats.failures.Add(1)
		if r.queryFailures.fail() {
			r.logger.Warn("face database query failed", "kind", "query_failure", "streak", r.queryFailures.streak, "error", err)
		}
		return
	}
	if r.queryFailures.ok() {
		r.logger.Info("face database recovered")
	}
	switch {
	case err != nil:
		r.logger.Debug("no identities enrolled", "kind", "empty_database")
		return
	case len(matches) == 0:
		return
	}
	out.Identity = matches[0].Identity
	out.Score = CalibrateScore(matches[0].Score, out.HasMask)
}

func (r *RecognitionStage) fail(msg string, err error) {
	r.cycleFailed = true
	r.stats.failures.Add(1)
	if r.failures.fail() {
		r.logger.Warn(msg, "kind", "inference_failure", "streak", r.failures.streak, "error", err)
	}
}
