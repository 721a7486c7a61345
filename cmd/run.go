package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/gatekeeper/internal/camera"
	"github.com/andresmejia3/gatekeeper/internal/config"
	"github.com/andresmejia3/gatekeeper/internal/pipeline"
	"github.com/andresmejia3/gatekeeper/internal/policy"
	"github.com/andresmejia3/gatekeeper/internal/utils"
)

var (
	runDryRun        bool
	runStatsInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the access terminal on the configured cameras",
	Long: `Starts capture, detection, recognition and decision stages on the
configured camera streams and drives the door relay. SIGHUP reloads the
access policy and relay rest level from the configuration file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		pol, err := Cfg.AccessPolicy()
		if err != nil {
			return err
		}
		policies := policy.NewStore(pol)

		t, err := openTerminal(ctx, Cfg, terminalOptions{DryRun: runDryRun}, Logger)
		if err != nil {
			utils.ShowError("Failed to start terminal", err, nil)
			return err
		}
		defer t.close()

		cam, err := camera.Open(ctx, Cfg.Camera, Logger)
		if err != nil {
			utils.ShowError("Failed to open camera", err, nil)
			return err
		}
		defer cam.Close()

		p := t.pipeline(cam, policies, logDisplay(Logger))

		go watchReload(ctx, configPath, t, policies, Logger)
		go reportStats(ctx, runStatsInterval, t, p, Logger)

		fmt.Fprintf(os.Stderr, "🚪 Terminal %s running (relay: %s, policy: %s)\n",
			Cfg.Terminal, relayDriver(Cfg, runDryRun), pol.Mode)
		err = runPipeline(ctx, t, p)
		fmt.Fprintln(os.Stderr, "🛑 Terminal stopped.")
		return err
	},
}

// runPipeline runs p with the relay actor alongside it. The relay keeps
// serving triggers until the pipeline has returned.
func runPipeline(ctx context.Context, t *terminal, p *pipeline.Pipeline) error {
	relayCtx, stopRelay := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.relay.Run(relayCtx)
	}()

	err := p.Run(ctx)
	stopRelay()
	wg.Wait()
	return err
}

// watchReload applies a new access policy and relay rest level on SIGHUP. A
// file that fails to load or validate leaves the running configuration alone.
func watchReload(ctx context.Context, path string, t *terminal, policies *policy.Store, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		if err := reload(path, t, policies); err != nil {
			logger.Error("config reload failed, keeping current policy", "path", path, "error", err)
			continue
		}
		logger.Info("config reloaded", "path", path, "mode", policies.Current().Mode.String())
	}
}

func reload(path string, t *terminal, policies *policy.Store) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	pol, err := cfg.AccessPolicy()
	if err != nil {
		return err
	}
	policies.Update(pol)
	t.relay.SetRestLevel(cfg.RestLevel())
	return nil
}

// health is the retained status published alongside decisions.
type health struct {
	Terminal      string    `msgpack:"terminal"`
	Time          time.Time `msgpack:"time"`
	Frames        uint64    `msgpack:"frames"`
	FramesDropped uint64    `msgpack:"frames_dropped"`
	Detections    uint64    `msgpack:"detections"`
	Recognitions  uint64    `msgpack:"recognitions"`
	Granted       uint64    `msgpack:"granted"`
	Denied        uint64    `msgpack:"denied"`
	Failures      uint64    `msgpack:"failures"`
	RelayFailures uint64    `msgpack:"relay_failures"`
	EngineRestart uint64    `msgpack:"engine_restarts"`
}

func snapshot(name string, t *terminal, s pipeline.Stats) health {
	return health{
		Terminal:      name,
		Time:          time.Now().UTC(),
		Frames:        s.Capture.Processed,
		FramesDropped: s.Capture.Dropped,
		Detections:    s.Detection.Processed,
		Recognitions:  s.Recognition.Processed,
		Granted:       s.Decision.Granted,
		Denied:        s.Decision.Denied,
		Failures:      s.Detection.Failures + s.Recognition.Failures + s.Decision.Failures,
		RelayFailures: t.relay.Stats().WriteFailures,
		EngineRestart: t.detector.Restarts() + t.recognize.Restarts(),
	}
}

func reportStats(ctx context.Context, every time.Duration, t *terminal, p *pipeline.Pipeline, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		h := snapshot(t.cfg.Terminal, t, p.Stats())
		logger.Info("terminal stats",
			"frames", h.Frames, "frames_dropped", h.FramesDropped,
			"recognitions", h.Recognitions, "granted", h.Granted, "denied", h.Denied,
			"failures", h.Failures, "relay_failures", h.RelayFailures, "engine_restarts", h.EngineRestart)
		if t.publisher != nil {
			if err := t.publisher.PublishHealth(h); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("health publish failed", "error", err)
			}
		}
	}
}

func relayDriver(cfg *config.Config, dryRun bool) string {
	if dryRun {
		return "memory"
	}
	return cfg.Relay.Driver
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Never drive the real relay; record transitions in memory")
	runCmd.Flags().DurationVar(&runStatsInterval, "stats-interval", time.Minute, "How often to log and publish counters (0 disables)")
	rootCmd.AddCommand(runCmd)
}
