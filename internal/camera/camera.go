// Package camera decodes the visible and infrared sensors into FrameBuffers
// through ffmpeg, filling the caller's planes in place.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/utils"
)

// Stream names one sensor input. An empty Input disables the stream.
type Stream struct {
	Input  string `yaml:"input"`
	Format string `yaml:"format"`
}

// Config sizes the planes produced for every frame.
type Config struct {
	Visible  Stream `yaml:"visible"`
	Infrared Stream `yaml:"infrared"`

	// Width x Height is the large plane used for recognition.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	// SmallWidth x SmallHeight is the plane the detector runs on.
	SmallWidth  int `yaml:"small_width"`
	SmallHeight int `yaml:"small_height"`

	Realtime bool `yaml:"-"`
}

// Validate checks the plane sizes.
func (c Config) Validate() error {
	if c.Visible.Input == "" {
		return errors.New("camera.visible.input is required")
	}
	if c.Width <= 0 || c.Height <= 0 || c.SmallWidth <= 0 || c.SmallHeight <= 0 {
		return fmt.Errorf("camera sizes must be positive, got %dx%d and %dx%d", c.Width, c.Height, c.SmallWidth, c.SmallHeight)
	}
	if c.SmallWidth > c.Width || c.SmallHeight > c.Height {
		return errors.New("camera small plane must not exceed the large plane")
	}
	return nil
}

// ReaderSource reads raw RGBA frames of cfg.Width x cfg.Height from one or
// two readers. It is a pipeline.FrameSource.
type ReaderSource struct {
	cfg      Config
	visible  io.Reader
	infrared io.Reader
	scaler   draw.Scaler
}

// NewReaderSource returns a source over raw frame streams. infrared may be nil.
func NewReaderSource(cfg Config, visible, infrared io.Reader) *ReaderSource {
	return &ReaderSource{cfg: cfg, visible: visible, infrared: infrared, scaler: draw.ApproxBiLinear}
}

// Next fills dst with the next frame. It returns io.EOF at a clean end of stream.
func (s *ReaderSource) Next(ctx context.Context, dst *types.FrameBuffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.readChannel(s.visible, &dst.Visible); err != nil {
		return err
	}
	dst.HasInfrared = s.infrared != nil
	if dst.HasInfrared {
		if err := s.readChannel(s.infrared, &dst.Infrared); err != nil {
			return err
		}
	}
	return nil
}

func (s *ReaderSource) readChannel(r io.Reader, ch *types.Channel) error {
	ch.Large.Resize(s.cfg.Width, s.cfg.Height)
	if _, err := io.ReadFull(r, ch.Large.Pix); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read frame: %w", err)
	}
	ch.Small.Resize(s.cfg.SmallWidth, s.cfg.SmallHeight)
	dst := ch.Small.Image()
	s.scaler.Scale(dst, dst.Bounds(), ch.Large.Image(), ch.Large.Image().Bounds(), draw.Src, nil)
	return nil
}

// decoder is one running ffmpeg process.
type decoder struct {
	cmd    *exec.Cmd
	stderr bytes.Buffer
	out    io.ReadCloser
}

func startDecoder(ctx context.Context, s Stream, cfg Config) (*decoder, error) {
	d := &decoder{}
	d.cmd = utils.NewFFmpegCmd(ctx, utils.RawVideoOptions{
		Input:    s.Input,
		Format:   s.Format,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Realtime: cfg.Realtime,
	})
	d.cmd.Stderr = &d.stderr
	out, err := d.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	d.out = out
	if err := d.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg for %s: %w", s.Input, err)
	}
	return d, nil
}

func (d *decoder) close() error {
	d.out.Close()
	err := d.cmd.Wait()
	if err != nil && d.stderr.Len() > 0 {
		err = fmt.Errorf("%w: %s", err, bytes.TrimSpace(d.stderr.Bytes()))
	}
	return err
}

// Camera is a ReaderSource fed by ffmpeg subprocesses.
type Camera struct {
	*ReaderSource
	decoders []*decoder
	logger   *slog.Logger
}

// Open starts one decoder per configured stream.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Camera, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Camera{logger: logger.With("component", "camera")}

	vis, err := startDecoder(ctx, cfg.Visible, cfg)
	if err != nil {
		return nil, err
	}
	c.decoders = append(c.decoders, vis)

	var infrared io.Reader
	if cfg.Infrared.Input != "" {
		nir, err := startDecoder(ctx, cfg.Infrared, cfg)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.decoders = append(c.decoders, nir)
		infrared = nir.out
	}

	c.ReaderSource = NewReaderSource(cfg, vis.out, infrared)
	c.logger.Info("camera opened", "visible", cfg.Visible.Input, "infrared", cfg.Infrared.Input,
		"size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
	return c, nil
}

// Close stops the decoders.
func (c *Camera) Close() error {
	var errs []error
	for _, d := range c.decoders {
		if err := d.close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.decoders = nil
	return errors.Join(errs...)
}
