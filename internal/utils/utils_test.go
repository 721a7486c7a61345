package utils

import (
	"context"
	"math"
	"slices"
	"testing"
)

func TestParseFrameRate(t *testing.T) {
	cases := map[string]float64{
		"30/1":       30,
		"30000/1001": 29.97002997,
		"25":         25,
	}
	for in, want := range cases {
		got, err := ParseFrameRate(in)
		if err != nil {
			t.Errorf("ParseFrameRate(%q) failed: %v", in, err)
			continue
		}
		if math.Abs(got-want) > 1e-6 {
			t.Errorf("ParseFrameRate(%q) = %f, want %f", in, got, want)
		}
	}

	for _, bad := range []string{"", "x/1", "30/0", "30/y"} {
		if _, err := ParseFrameRate(bad); err == nil {
			t.Errorf("ParseFrameRate(%q) should fail", bad)
		}
	}
}

func TestNewFFmpegCmd(t *testing.T) {
	cmd := NewFFmpegCmd(context.Background(), RawVideoOptions{
		Input:    "/dev/video0",
		Format:   "v4l2",
		Width:    640,
		Height:   480,
		Realtime: true,
	})

	args := cmd.Args[1:]
	for _, want := range [][]string{
		{"-re"},
		{"-f", "v4l2", "-i", "/dev/video0"},
		{"-vf", "scale=640:480"},
		{"-f", "rawvideo", "-pix_fmt", "rgba", "-"},
	} {
		if !containsRun(args, want) {
			t.Errorf("Expected %v in %v", want, args)
		}
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand("sh", "-c", "echo boom >&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if got := cmd.Stderr.String(); got != "boom\n" {
		t.Errorf("Expected captured stderr %q, got %q", "boom\n", got)
	}
}

func containsRun(haystack, needle []string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}
