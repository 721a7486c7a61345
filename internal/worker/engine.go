package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

// ErrEngineBroken is returned while the engine subprocess is down and the
// restart backoff has not elapsed.
var ErrEngineBroken = errors.New("inference engine is not running")

// Config describes how to launch an engine.
type Config struct {
	Name    string
	Command string
	Args    []string
	// Timeout bounds one request/response round trip. Zero disables it.
	Timeout time.Duration
	// RestartBackoff is the minimum time between two launches.
	RestartBackoff time.Duration
}

// Engine is a face model served by a subprocess. It implements the
// detection, extraction, anti-spoofing and mask capabilities; which of them
// actually work depends on the models the subprocess loaded.
//
// Calls are serialized. A call that times out or hits a broken pipe kills
// the subprocess; the next call after RestartBackoff launches a fresh one.
type Engine struct {
	name    string
	start   func() (*Process, error)
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	proc    *Process
	retryAt time.Time
	buf     bytes.Buffer

	restarts atomic.Uint64
	failures atomic.Uint64
}

// NewEngine returns an engine that launches cfg.Command on first use.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	return newEngine(cfg, func() (*Process, error) {
		return StartProcess(cfg.Command, cfg.Args...)
	}, logger)
}

func newEngine(cfg Config, start func() (*Process, error), logger *slog.Logger) *Engine {
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = time.Second
	}
	return &Engine{
		name:    cfg.Name,
		start:   start,
		timeout: cfg.Timeout,
		backoff: cfg.RestartBackoff,
		logger:  logger.With("engine", cfg.Name),
	}
}

// Start launches the subprocess now instead of on first use.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensure()
}

// Restarts returns how many times the subprocess was relaunched after a failure.
func (e *Engine) Restarts() uint64 { return e.restarts.Load() }

// Failures returns how many calls failed on transport or timeout.
func (e *Engine) Failures() uint64 { return e.failures.Load() }

// Close stops the subprocess.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		e.proc.Close()
		e.proc = nil
	}
}

// Detect runs the face detector on plane.
func (e *Engine) Detect(ctx context.Context, plane *types.Plane) ([]types.RawFace, error) {
	resp, err := e.call(ctx, OpDetect, plane, nil, 0)
	if err != nil {
		return nil, err
	}
	return decodeFaces(resp)
}

// Extract computes the embedding and pose of face.
func (e *Engine) Extract(ctx context.Context, plane *types.Plane, face types.RawFace) (types.Feature, types.Pose, error) {
	resp, err := e.call(ctx, OpExtract, plane, &face, 0)
	if err != nil {
		return nil, types.Pose{}, err
	}
	return decodeFeature(resp)
}

// Live runs the anti-spoofing model.
func (e *Engine) Live(ctx context.Context, plane *types.Plane, face types.RawFace, threshold float64) (bool, error) {
	resp, err := e.call(ctx, OpAntiSpoof, plane, &face, threshold)
	if err != nil {
		return false, err
	}
	ok, _, err := decodeVerdict(resp, OpAntiSpoof)
	return ok, err
}

// Masked runs the mask classifier.
func (e *Engine) Masked(ctx context.Context, plane *types.Plane, face types.RawFace, threshold float64) (bool, error) {
	resp, err := e.call(ctx, OpMask, plane, &face, threshold)
	if err != nil {
		return false, err
	}
	ok, _, err := decodeVerdict(resp, OpMask)
	return ok, err
}

func (e *Engine) call(ctx context.Context, op Op, plane *types.Plane, face *types.RawFace, threshold float64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensure(); err != nil {
		return nil, err
	}
	req := encodeRequest(&e.buf, op, plane, face, threshold)

	resp, err := e.roundTrip(ctx, req)
	if err != nil {
		e.failures.Add(1)
		e.logger.Warn("engine call failed, killing subprocess", "op", op, "error", err)
		e.kill()
		return nil, fmt.Errorf("%s %s: %w", e.name, op, err)
	}
	return resp, nil
}

// roundTrip runs Communicate under the per-call deadline. On timeout the
// goroutine is left blocked on the pipe; kill unblocks it.
func (e *Engine) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	proc := e.proc
	if e.timeout <= 0 && ctx.Done() == nil {
		return proc.Communicate(req)
	}

	type result struct {
		resp []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := proc.Communicate(req)
		done <- result{resp, err}
	}()

	var timeout <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		return r.resp, r.err
	case <-timeout:
		return nil, fmt.Errorf("no response within %s", e.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) ensure() error {
	if e.proc != nil {
		return nil
	}
	if !e.retryAt.IsZero() && time.Now().Before(e.retryAt) {
		return ErrEngineBroken
	}
	e.retryAt = time.Now().Add(e.backoff)

	proc, err := e.start()
	if err != nil {
		e.logger.Error("engine failed to start", "error", err)
		return fmt.Errorf("%w: %v", ErrEngineBroken, err)
	}
	if e.restarts.Load() > 0 || e.failures.Load() > 0 {
		e.restarts.Add(1)
		e.logger.Info("engine restarted", "restarts", e.restarts.Load())
	}
	e.proc = proc
	return nil
}

func (e *Engine) kill() {
	if e.proc == nil {
		return
	}
	proc := e.proc
	e.proc = nil
	// The abandoned round trip may still hold the old request bytes.
	e.buf = bytes.Buffer{}
	proc.Close()
	if logs := proc.Logs(); logs != "" {
		e.logger.Debug("engine stderr", "logs", logs)
	}
}
