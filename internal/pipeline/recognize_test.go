package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/gatekeeper/internal/exchange"
	"github.com/andresmejia3/gatekeeper/internal/policy"
	"github.com/andresmejia3/gatekeeper/internal/types"
)

func faceData(index uint64, infrared bool) types.DetectionData {
	d := types.DetectionData{
		Index:        index,
		Visible:      types.DetectionResult{Face: types.FaceBox{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5, Valid: true}},
		VisibleImage: types.NewPlane(400, 300),
		HasInfrared:  infrared,
	}
	if infrared {
		d.Infrared = d.Visible
		d.InfraredImage = types.NewPlane(400, 300)
	}
	return d
}

func newRecognition(models RecognitionModels, pol PolicySource, next ResultConsumer) *RecognitionStage {
	r := NewRecognitionStage(models, pol, quietLogger())
	r.Connect(next)
	return r
}

// recognizeOnce submits data and runs one recognition cycle synchronously.
func recognizeOnce(t *testing.T, r *RecognitionStage, data types.DetectionData) {
	t.Helper()
	ex := exchange.New[types.DetectionData](nil)
	*ex.Active() = data
	require.True(t, r.Submit(ex))
	r.process(context.Background(), <-r.inbox.C())
	require.True(t, r.Ready(), "recognition must release the detection slot")
	assert.False(t, r.Busy())
}

func matchModels(score float64, masked bool) RecognitionModels {
	return RecognitionModels{
		Extractor: fixedExtractor{feature: types.Feature{1, 0, 0}},
		Mask:      fixedMask(masked),
		Database:  fixedDatabase{matches: []types.Match{{Identity: ada, Score: score}}},
	}
}

func TestRecognitionCalibratesMaskedScore(t *testing.T) {
	dec := &fakeDecider{idle: true}
	r := newRecognition(matchModels(0.92, true), testPolicy(nil), dec)

	recognizeOnce(t, r, faceData(3, false))

	require.Len(t, dec.results, 1)
	res := dec.results[0]
	assert.Equal(t, uint64(3), res.Index)
	assert.True(t, res.FaceFound)
	assert.True(t, res.HasIdentity)
	assert.True(t, res.HasMask)
	assert.Equal(t, ada, res.Identity)
	assert.InDelta(t, 0.962, res.Score, 0.001)
	assert.Equal(t, types.Feature{1, 0, 0}, res.Feature)
	assert.Equal(t, 3.0, res.Visible.Face.Pose.Yaw)
}

func TestRecognitionEmptyDatabaseYieldsNoIdentity(t *testing.T) {
	dec := &fakeDecider{idle: true}
	models := matchModels(0, false)
	models.Database = fixedDatabase{err: types.ErrEmptyDatabase}
	r := newRecognition(models, testPolicy(nil), dec)

	recognizeOnce(t, r, faceData(1, false))

	require.Len(t, dec.results, 1)
	assert.True(t, dec.results[0].HasIdentity)
	assert.Zero(t, dec.results[0].Identity.ID)
	assert.Zero(t, dec.results[0].Score)
	assert.Zero(t, r.Stats().Failures)
}

func TestRecognitionExtractorFailureDegrades(t *testing.T) {
	dec := &fakeDecider{idle: true}
	models := matchModels(0.99, false)
	models.Extractor = fixedExtractor{err: errors.New("engine broken")}
	r := newRecognition(models, testPolicy(nil), dec)

	recognizeOnce(t, r, faceData(1, false))

	require.Len(t, dec.results, 1)
	assert.Zero(t, dec.results[0].Identity.ID)
	assert.Zero(t, dec.results[0].Score)
	assert.Equal(t, uint64(1), r.Stats().Failures)
}

func TestRecognitionDropsWhenDecisionBusy(t *testing.T) {
	dec := &fakeDecider{idle: false}
	r := newRecognition(matchModels(0.9, false), testPolicy(nil), dec)

	recognizeOnce(t, r, faceData(1, false))
	recognizeOnce(t, r, faceData(2, false))

	assert.Empty(t, dec.results)
	assert.Equal(t, uint64(2), r.Stats().Dropped)

	dec.idle = true
	recognizeOnce(t, r, faceData(3, false))
	require.Len(t, dec.results, 1)
	assert.Equal(t, uint64(3), dec.results[0].Index)
}

func TestRecognitionLiveness(t *testing.T) {
	tests := []struct {
		name         string
		antiSpoofing bool
		model        AntiSpoofing
		infrared     bool
		want         bool
	}{
		{"disabled", false, nil, false, true},
		{"no infrared face", true, fixedLiveness(true), false, false},
		{"live", true, fixedLiveness(true), true, true},
		{"spoof", true, fixedLiveness(false), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := &fakeDecider{idle: true}
			models := matchModels(0.9, false)
			models.AntiSpoofing = tt.model
			pol := testPolicy(func(p *policy.Policy) { p.AntiSpoofing = tt.antiSpoofing })
			r := newRecognition(models, pol, dec)

			recognizeOnce(t, r, faceData(1, tt.infrared))

			require.Len(t, dec.results, 1)
			assert.True(t, dec.results[0].HasLiveness)
			assert.Equal(t, tt.want, dec.results[0].IsLive)
		})
	}
}

func TestRecognitionSkipsSettledChecks(t *testing.T) {
	dec := &fakeDecider{idle: true}
	r := newRecognition(matchModels(0.9, true), testPolicy(nil), dec)

	r.SetReadiness(Readiness{LivenessSettled: true, IdentitySettled: true})
	recognizeOnce(t, r, faceData(1, false))

	require.Len(t, dec.results, 1)
	res := dec.results[0]
	assert.True(t, res.FaceFound)
	assert.False(t, res.HasLiveness)
	assert.False(t, res.HasIdentity)
	assert.False(t, res.HasMask)
	assert.Empty(t, res.Feature)

	r.SetReadiness(Readiness{})
	recognizeOnce(t, r, faceData(2, false))
	require.Len(t, dec.results, 2)
	assert.True(t, dec.results[1].HasLiveness)
	assert.True(t, dec.results[1].HasIdentity)
}

func TestRecognitionNoFaceReplacesPendingFace(t *testing.T) {
	r := newRecognition(matchModels(0.9, false), testPolicy(nil), &fakeDecider{idle: true})
	ex := exchange.New[types.DetectionData](nil)

	require.True(t, r.Submit(ex))
	assert.False(t, r.Ready())

	r.NoFace(4)
	assert.True(t, r.Ready(), "displaced face must give its slot back")

	req, ok := r.inbox.TryReceive()
	require.True(t, ok)
	assert.Nil(t, req.data)
	assert.Equal(t, uint64(4), req.index)
}

func TestRecognitionForwardsNoFace(t *testing.T) {
	dec := &fakeDecider{idle: true}
	r := newRecognition(matchModels(0.9, false), testPolicy(nil), dec)

	r.NoFace(11)
	r.process(context.Background(), <-r.inbox.C())

	require.Len(t, dec.results, 1)
	assert.False(t, dec.results[0].FaceFound)
	assert.Equal(t, uint64(11), dec.results[0].Index)
}
