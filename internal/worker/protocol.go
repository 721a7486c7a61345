package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

// Op selects the model a request runs against.
type Op byte

const (
	OpDetect    Op = 1
	OpExtract   Op = 2
	OpAntiSpoof Op = 3
	OpMask      Op = 4
)

func (o Op) String() string {
	switch o {
	case OpDetect:
		return "detect"
	case OpExtract:
		return "extract"
	case OpAntiSpoof:
		return "antispoof"
	case OpMask:
		return "mask"
	}
	return fmt.Sprintf("op(%d)", byte(o))
}

const (
	statusOK    = 0
	statusError = 1
)

// Request layout:
//
//	[op u8][width u32][height u32][threshold f32][face]?[rgba pixels]
//
// face is present for every op except detect:
//
//	[x y w h f32][landmarks 5x(x y) f32]
func encodeRequest(buf *bytes.Buffer, op Op, plane *types.Plane, face *types.RawFace, threshold float64) []byte {
	buf.Reset()
	buf.WriteByte(byte(op))
	binary.Write(buf, binary.BigEndian, uint32(plane.Width))
	binary.Write(buf, binary.BigEndian, uint32(plane.Height))
	binary.Write(buf, binary.BigEndian, float32(threshold))
	if face != nil {
		binary.Write(buf, binary.BigEndian, wireBox(*face))
	}
	buf.Write(plane.Pix)
	return buf.Bytes()
}

type wireFace struct {
	Box       [4]float32
	Landmarks [types.LandmarkCount * 2]float32
}

func wireBox(f types.RawFace) wireFace {
	w := wireFace{Box: [4]float32{float32(f.X), float32(f.Y), float32(f.Width), float32(f.Height)}}
	for i, lm := range f.Landmarks {
		w.Landmarks[2*i] = float32(lm.X)
		w.Landmarks[2*i+1] = float32(lm.Y)
	}
	return w
}

// EngineError is a failure reported by the engine itself, as opposed to a
// broken pipe or timeout.
type EngineError struct {
	Op  Op
	Msg string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("inference engine %s error: %s", e.Op, e.Msg)
}

// readStatus consumes the leading status byte and returns the engine's
// error message if the status is not OK.
func readStatus(r *bytes.Reader, op Op) error {
	status, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("empty response: %w", err)
	}
	switch status {
	case statusOK:
		return nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return fmt.Errorf("malformed error response: %w", err)
		}
		return &EngineError{Op: op, Msg: string(msg)}
	}
	return fmt.Errorf("unknown response status %d", status)
}

// decodeFaces reads [n u32] then n x ([x y w h score f32][landmarks 5x(x y) f32]).
func decodeFaces(resp []byte) ([]types.RawFace, error) {
	r := bytes.NewReader(resp)
	if err := readStatus(r, OpDetect); err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	const faceLen = 4 * (5 + types.LandmarkCount*2)
	if int64(n)*faceLen > int64(r.Len()) {
		return nil, fmt.Errorf("face count %d exceeds payload", n)
	}
	faces := make([]types.RawFace, n)
	for i := range faces {
		var rec struct {
			Box       [5]float32
			Landmarks [types.LandmarkCount * 2]float32
		}
		if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
			return nil, fmt.Errorf("read face %d: %w", i, err)
		}
		f := &faces[i]
		f.X, f.Y = float64(rec.Box[0]), float64(rec.Box[1])
		f.Width, f.Height = float64(rec.Box[2]), float64(rec.Box[3])
		f.Score = float64(rec.Box[4])
		for j := range f.Landmarks {
			f.Landmarks[j] = types.Point{X: float64(rec.Landmarks[2*j]), Y: float64(rec.Landmarks[2*j+1])}
		}
	}
	return faces, nil
}

// decodeFeature reads [dim u32][dim x f32][yaw pitch roll f32].
func decodeFeature(resp []byte) (types.Feature, types.Pose, error) {
	r := bytes.NewReader(resp)
	if err := readStatus(r, OpExtract); err != nil {
		return nil, types.Pose{}, err
	}
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, types.Pose{}, fmt.Errorf("read dimension: %w", err)
	}
	if dim == 0 || int64(dim)*4 > int64(r.Len()) {
		return nil, types.Pose{}, fmt.Errorf("bad feature dimension %d", dim)
	}
	raw := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, types.Pose{}, fmt.Errorf("read feature: %w", err)
	}
	var pose [3]float32
	if err := binary.Read(r, binary.BigEndian, &pose); err != nil {
		return nil, types.Pose{}, fmt.Errorf("read pose: %w", err)
	}
	feature := make(types.Feature, dim)
	for i, v := range raw {
		feature[i] = float64(v)
	}
	return feature, types.Pose{Yaw: float64(pose[0]), Pitch: float64(pose[1]), Roll: float64(pose[2])}, nil
}

// decodeVerdict reads [verdict u8][score f32].
func decodeVerdict(resp []byte, op Op) (bool, float64, error) {
	r := bytes.NewReader(resp)
	if err := readStatus(r, op); err != nil {
		return false, 0, err
	}
	var rec struct {
		Verdict uint8
		Score   float32
	}
	if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return false, 0, fmt.Errorf("read verdict: %w", err)
	}
	return rec.Verdict != 0, float64(rec.Score), nil
}
