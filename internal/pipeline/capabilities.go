// Package pipeline runs the capture, detection, recognition and decision
// stages of the access terminal. Each stage is one goroutine with a
// single-slot inbox; a stage that is busy never makes its producer wait.
package pipeline

import (
	"context"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/policy"
	"github.com/andresmejia3/gatekeeper/internal/types"
)

// FrameSource fills dst with the next frame from both sensors.
// It returns io.EOF when a finite source is exhausted.
type FrameSource interface {
	Next(ctx context.Context, dst *types.FrameBuffer) error
}

// Detector finds faces on a plane. Coordinates are in plane pixels.
type Detector interface {
	Detect(ctx context.Context, plane *types.Plane) ([]types.RawFace, error)
}

// Extractor computes a face embedding and head pose.
type Extractor interface {
	Extract(ctx context.Context, plane *types.Plane, face types.RawFace) (types.Feature, types.Pose, error)
}

// AntiSpoofing decides whether a face belongs to a live person.
type AntiSpoofing interface {
	Live(ctx context.Context, plane *types.Plane, face types.RawFace, threshold float64) (bool, error)
}

// MaskClassifier decides whether a face is wearing a mask.
type MaskClassifier interface {
	Masked(ctx context.Context, plane *types.Plane, face types.RawFace, threshold float64) (bool, error)
}

// FaceDatabase returns the k nearest enrolled identities to a feature,
// best first. It returns types.ErrEmptyDatabase when nothing is enrolled.
type FaceDatabase interface {
	Query(ctx context.Context, feature types.Feature, k int) ([]types.Match, error)
}

// Display receives every detection result, whether or not a face was found.
// It must not block.
type Display interface {
	Show(index uint64, visible, infrared types.DetectionResult)
}

// Thermometer reports the last measured body temperature in Celsius.
type Thermometer interface {
	Read(ctx context.Context) (float64, bool)
}

// PolicySource returns the access policy in force.
type PolicySource interface {
	Current() policy.Policy
}

// Opener drives the door relay for hold.
type Opener interface {
	Trigger(ctx context.Context, hold time.Duration) error
}

// DecisionSink receives every settled decision. Errors are logged and ignored.
type DecisionSink interface {
	Record(ctx context.Context, d types.Decision) error
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(index uint64, visible, infrared types.DetectionResult)

func (f DisplayFunc) Show(index uint64, visible, infrared types.DetectionResult) {
	f(index, visible, infrared)
}

type discardDisplay struct{}

func (discardDisplay) Show(uint64, types.DetectionResult, types.DetectionResult) {}
