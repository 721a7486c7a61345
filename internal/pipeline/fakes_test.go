package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/exchange"
	"github.com/andresmejia3/gatekeeper/internal/policy"
	"github.com/andresmejia3/gatekeeper/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type detectorFunc func(ctx context.Context, plane *types.Plane) ([]types.RawFace, error)

func (f detectorFunc) Detect(ctx context.Context, plane *types.Plane) ([]types.RawFace, error) {
	return f(ctx, plane)
}

// oneFace returns a detector that always finds a single centered face.
func oneFace() Detector {
	return detectorFunc(func(_ context.Context, p *types.Plane) ([]types.RawFace, error) {
		w, h := float64(p.Width), float64(p.Height)
		return []types.RawFace{{X: w / 4, Y: h / 4, Width: w / 2, Height: h / 2, Score: 0.99}}, nil
	})
}

func noFace() Detector {
	return detectorFunc(func(context.Context, *types.Plane) ([]types.RawFace, error) { return nil, nil })
}

type fixedExtractor struct {
	feature types.Feature
	err     error
}

func (f fixedExtractor) Extract(context.Context, *types.Plane, types.RawFace) (types.Feature, types.Pose, error) {
	return f.feature, types.Pose{Yaw: 3}, f.err
}

type fixedDatabase struct {
	matches []types.Match
	err     error
}

func (f fixedDatabase) Query(context.Context, types.Feature, int) ([]types.Match, error) {
	return f.matches, f.err
}

type fixedMask bool

func (f fixedMask) Masked(context.Context, *types.Plane, types.RawFace, float64) (bool, error) {
	return bool(f), nil
}

type fixedLiveness bool

func (f fixedLiveness) Live(context.Context, *types.Plane, types.RawFace, float64) (bool, error) {
	return bool(f), nil
}

type recordingOpener struct {
	mu    sync.Mutex
	holds []time.Duration
}

func (o *recordingOpener) Trigger(_ context.Context, hold time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.holds = append(o.holds, hold)
	return nil
}

func (o *recordingOpener) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.holds)
}

type recordingSink struct {
	mu        sync.Mutex
	decisions []types.Decision
}

func (s *recordingSink) Record(_ context.Context, d types.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *recordingSink) All() []types.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Decision(nil), s.decisions...)
}

// sliceSource yields n identical frames then io.EOF.
type sliceSource struct {
	n, sent int
}

func (s *sliceSource) Next(ctx context.Context, dst *types.FrameBuffer) error {
	if s.sent >= s.n {
		return io.EOF
	}
	s.sent++
	fillFrame(dst, false)
	return nil
}

func fillFrame(f *types.FrameBuffer, infrared bool) {
	f.Visible.Large.Resize(400, 300)
	f.Visible.Small.Resize(100, 75)
	f.HasInfrared = infrared
	if infrared {
		f.Infrared.Large.Resize(400, 300)
		f.Infrared.Small.Resize(100, 75)
	}
}

// fakeRecognizer is a DetectionConsumer the test controls.
type fakeRecognizer struct {
	ready     bool
	submitted []types.DetectionData
	noFaces   []uint64
}

func (f *fakeRecognizer) Ready() bool { return f.ready }

func (f *fakeRecognizer) Submit(data *exchange.Exchange[types.DetectionData]) bool {
	if !f.ready {
		return false
	}
	data.Rotate()
	f.submitted = append(f.submitted, *data.Inactive())
	return true
}

func (f *fakeRecognizer) NoFace(index uint64) { f.noFaces = append(f.noFaces, index) }

// fakeDecider is a ResultConsumer the test controls.
type fakeDecider struct {
	idle    bool
	results []types.RecognitionResult
}

func (f *fakeDecider) Idle() bool { return f.idle }

func (f *fakeDecider) Submit(results *exchange.Exchange[types.RecognitionResult]) bool {
	if !f.idle {
		return false
	}
	results.Rotate()
	r := *results.Inactive()
	r.Feature = append(types.Feature(nil), r.Feature...)
	f.results = append(f.results, r)
	return true
}

type fakeReadiness struct {
	last  Readiness
	calls int
}

func (f *fakeReadiness) SetReadiness(r Readiness) {
	f.last = r
	f.calls++
}

func testPolicy(mut func(*policy.Policy)) *policy.Store {
	p := policy.Default()
	p.AntiSpoofing = false
	if mut != nil {
		mut(&p)
	}
	return policy.NewStore(p)
}

var ada = types.Identity{ID: 7, Name: "ada", Status: types.StatusNormal}
