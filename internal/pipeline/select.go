package pipeline

import "github.com/andresmejia3/gatekeeper/internal/types"

// SelectPrimary returns the index of the face with the largest area.
// Ties go to the lowest index. ok is false when faces is empty.
func SelectPrimary(faces []types.RawFace) (idx int, ok bool) {
	if len(faces) == 0 {
		return 0, false
	}
	best := 0
	for i := 1; i < len(faces); i++ {
		if faces[i].Area() > faces[best].Area() {
			best = i
		}
	}
	return best, true
}

// Normalize maps face from pixel coordinates on a width x height plane into [0,1].
func Normalize(face types.RawFace, width, height int) types.FaceBox {
	w, h := float64(width), float64(height)
	if w <= 0 || h <= 0 {
		return types.FaceBox{}
	}
	x0, y0 := clamp01(face.X/w), clamp01(face.Y/h)
	x1, y1 := clamp01((face.X+face.Width)/w), clamp01((face.Y+face.Height)/h)
	box := types.FaceBox{
		X:      x0,
		Y:      y0,
		Width:  x1 - x0,
		Height: y1 - y0,
		Pose:   face.Pose,
		Valid:  true,
	}
	for i, lm := range face.Landmarks {
		box.Landmarks[i] = types.Point{X: clamp01(lm.X / w), Y: clamp01(lm.Y / h)}
	}
	return box
}

// detectPrimary picks and normalizes the primary face on plane.
func detectPrimary(faces []types.RawFace, plane *types.Plane) types.DetectionResult {
	idx, ok := SelectPrimary(faces)
	if !ok {
		return types.DetectionResult{}
	}
	return types.DetectionResult{Face: Normalize(faces[idx], plane.Width, plane.Height)}
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
