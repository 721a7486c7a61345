package types

import (
	"errors"
	"image"
	"time"
)

// ErrEmptyDatabase is returned by a face database that has nothing enrolled.
var ErrEmptyDatabase = errors.New("face database is empty")

// LandmarkCount is the number of facial landmarks carried with every face.
const LandmarkCount = 5

// Plane is one RGBA image plane at a fixed resolution.
// Pix uses a stride of 4*Width.
type Plane struct {
	Width  int
	Height int
	Pix    []byte
}

// NewPlane allocates a zeroed plane of the given size.
func NewPlane(width, height int) Plane {
	return Plane{Width: width, Height: height, Pix: make([]byte, width*height*4)}
}

// Resize makes the plane width x height, reusing the backing array when it is large enough.
func (p *Plane) Resize(width, height int) {
	n := width * height * 4
	if cap(p.Pix) < n {
		p.Pix = make([]byte, n)
	}
	p.Pix = p.Pix[:n]
	p.Width = width
	p.Height = height
}

// CopyFrom copies src into p without allocating once p has been sized.
func (p *Plane) CopyFrom(src *Plane) {
	p.Resize(src.Width, src.Height)
	copy(p.Pix, src.Pix)
}

// Image returns an *image.RGBA view sharing the plane's pixels.
func (p *Plane) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    p.Pix,
		Stride: p.Width * 4,
		Rect:   image.Rect(0, 0, p.Width, p.Height),
	}
}

// Channel is one sensor's view of a frame: a large plane for recognition
// and a small plane for detection.
type Channel struct {
	Large Plane
	Small Plane
}

// FrameBuffer is one captured frame from both sensors.
type FrameBuffer struct {
	Index       uint64
	Visible     Channel
	Infrared    Channel
	HasInfrared bool
}

// Point is a 2D coordinate.
type Point struct {
	X float64
	Y float64
}

// Pose is the head orientation in degrees.
type Pose struct {
	Yaw   float64
	Pitch float64
	Roll  float64
}

// RawFace is a detector hit in pixel coordinates of the plane it was found on.
type RawFace struct {
	X, Y, Width, Height float64
	Score               float64
	Landmarks           [LandmarkCount]Point
	Pose                Pose
}

// Area returns Width*Height.
func (r RawFace) Area() float64 { return r.Width * r.Height }

// FaceBox is a face normalized to [0,1] against the frame that produced it.
type FaceBox struct {
	X, Y, Width, Height float64
	Landmarks           [LandmarkCount]Point
	Pose                Pose
	Valid               bool
}

// Scale converts the normalized box back to pixel coordinates for a plane of width x height.
func (b FaceBox) Scale(width, height int) RawFace {
	w, h := float64(width), float64(height)
	r := RawFace{
		X:      b.X * w,
		Y:      b.Y * h,
		Width:  b.Width * w,
		Height: b.Height * h,
		Pose:   b.Pose,
	}
	for i, lm := range b.Landmarks {
		r.Landmarks[i] = Point{X: lm.X * w, Y: lm.Y * h}
	}
	return r
}

// DetectionResult is the face selected on one channel for one frame.
// A zero value means no face was found.
type DetectionResult struct {
	Face FaceBox
}

// Found reports whether a face was selected.
func (d DetectionResult) Found() bool { return d.Face.Valid }

// DetectionData is what DetectionStage hands to RecognitionStage: the selected
// faces plus copies of the large planes they refer to.
type DetectionData struct {
	Index         uint64
	Visible       DetectionResult
	Infrared      DetectionResult
	VisibleImage  Plane
	InfraredImage Plane
	HasInfrared   bool
}

// Feature is a face embedding.
type Feature []float64

// PersonStatus is the registry status of an enrolled person.
type PersonStatus int

const (
	StatusUnknown PersonStatus = iota
	StatusNormal
	StatusBlocked
)

func (s PersonStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of PersonStatus.String.
func ParseStatus(s string) PersonStatus {
	switch s {
	case "normal":
		return StatusNormal
	case "blocked":
		return StatusBlocked
	default:
		return StatusUnknown
	}
}

// Identity references an enrolled person. ID 0 means no match.
type Identity struct {
	ID     int
	Name   string
	Status PersonStatus
}

// Match is one FaceDatabase hit.
type Match struct {
	Identity Identity
	Score    float64
}

// RecognitionResult is the output of one RecognitionStage cycle.
type RecognitionResult struct {
	Index uint64
	// Appearance changes whenever detection has reported an empty frame
	// since the previous result, even if that notice never got through.
	Appearance uint64
	FaceFound  bool
	Visible    DetectionResult
	Infrared   DetectionResult

	// HasLiveness and HasIdentity report whether the corresponding checks ran this cycle.
	HasLiveness bool
	IsLive      bool
	HasIdentity bool
	HasMask     bool

	Feature  Feature
	Identity Identity
	Score    float64
}

// Reset clears r in place, keeping the feature's backing array.
func (r *RecognitionResult) Reset() {
	feature := r.Feature[:0]
	*r = RecognitionResult{Feature: feature}
}

// PersonData is everything the access policy looks at.
type PersonData struct {
	Identity          Identity
	Identified        bool
	Score             float64
	HasMask           bool
	IsLive            bool
	Temperature       float64
	TemperatureNormal bool
}

// IsStatusNormal reports whether the person is enrolled in good standing.
func (p PersonData) IsStatusNormal() bool {
	return p.Identified && p.Identity.Status == StatusNormal
}

// IsTemperatureNormal reports whether the measured temperature was acceptable.
func (p PersonData) IsTemperatureNormal() bool {
	return p.TemperatureNormal
}

// AccessVerdict is the evaluator's decision for one person.
type AccessVerdict struct {
	Open     bool
	AllPass  bool
	Identity Identity
}

// Decision is one settled access decision, as journaled and published.
type Decision struct {
	ID         string
	Time       time.Time
	FrameIndex uint64
	Person     PersonData
	Verdict    AccessVerdict
	Mode       string
}
