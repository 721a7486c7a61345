package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andresmejia3/gatekeeper/internal/config"
	"github.com/andresmejia3/gatekeeper/internal/events"
	"github.com/andresmejia3/gatekeeper/internal/faceindex"
	"github.com/andresmejia3/gatekeeper/internal/pipeline"
	"github.com/andresmejia3/gatekeeper/internal/publish"
	"github.com/andresmejia3/gatekeeper/internal/relay"
	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/worker"
)

// terminal owns every long-lived resource built from a Config. close
// releases them in reverse order of acquisition.
type terminal struct {
	cfg       *config.Config
	logger    *slog.Logger
	detector  *worker.Engine
	recognize *worker.Engine
	database  pipeline.FaceDatabase
	line      relay.Line
	relay     *relay.Relay
	journal   *events.Journal
	publisher *publish.Publisher

	closers []func()
}

type terminalOptions struct {
	// DryRun replaces the configured relay driver with a MemoryLine.
	DryRun bool
	// NoPublish skips MQTT even when it is enabled.
	NoPublish bool
}

func openTerminal(ctx context.Context, cfg *config.Config, opts terminalOptions, logger *slog.Logger) (*terminal, error) {
	t := &terminal{cfg: cfg, logger: logger}
	opened := false
	defer func() {
		if !opened {
			t.close()
		}
	}()

	var err error
	t.detector = newEngine(cfg, "detector", logger)
	t.recognize = newEngine(cfg, "recognizer", logger)
	t.closers = append(t.closers, t.detector.Close, t.recognize.Close)

	if t.database, err = openFaceDatabase(ctx, cfg, t); err != nil {
		return nil, err
	}

	driver := cfg.Relay.Driver
	if opts.DryRun {
		driver = "memory"
	}
	if t.line, err = openLine(cfg.Relay, driver); err != nil {
		return nil, fmt.Errorf("failed to open relay: %w", err)
	}
	if c, ok := t.line.(interface{ Close() error }); ok {
		t.closers = append(t.closers, func() { c.Close() })
	}
	t.relay = relay.New(t.line, cfg.RestLevel(), nil, logger)

	if cfg.Journal.Path != "" {
		if t.journal, err = events.Open(cfg.Journal.Path); err != nil {
			return nil, fmt.Errorf("failed to open event journal: %w", err)
		}
		t.closers = append(t.closers, func() { t.journal.Close() })
	}

	if cfg.MQTT.Enabled && !opts.NoPublish {
		t.publisher = publish.New(cfg.MQTT.Config, logger)
		if err := t.publisher.Connect(ctx); err != nil {
			// The client keeps retrying in the background.
			logger.Warn("mqtt unavailable at startup", "error", err)
		}
		t.closers = append(t.closers, t.publisher.Disconnect)
	}
	opened = true
	return t, nil
}

func (t *terminal) close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
	t.closers = nil
}

func (t *terminal) sinks() []pipeline.DecisionSink {
	var sinks []pipeline.DecisionSink
	if t.journal != nil {
		sinks = append(sinks, t.journal)
	}
	if t.publisher != nil {
		sinks = append(sinks, t.publisher)
	}
	return sinks
}

func (t *terminal) pipeline(source pipeline.FrameSource, policy pipeline.PolicySource, display pipeline.Display, extra ...pipeline.DecisionSink) *pipeline.Pipeline {
	return pipeline.New(pipeline.Config{
		Source:   source,
		Detector: t.detector,
		Display:  display,
		Models: pipeline.RecognitionModels{
			Extractor:    t.recognize,
			AntiSpoofing: t.recognize,
			Mask:         t.recognize,
			Database:     t.database,
		},
		Policy: policy,
		Opener: t.relay,
		Decisions: pipeline.DecisionOptions{
			Sinks: append(t.sinks(), extra...),
		},
	}, t.logger)
}

func newEngine(cfg *config.Config, name string, logger *slog.Logger) *worker.Engine {
	return worker.NewEngine(worker.Config{
		Name:           name,
		Command:        cfg.Engine.Command,
		Args:           cfg.Engine.Args,
		Timeout:        cfg.Engine.Timeout,
		RestartBackoff: cfg.Engine.RestartBackoff,
	}, logger)
}

// openFaceDatabase prefers PostgreSQL, then the gallery file. With neither
// configured every query reports an empty database.
func openFaceDatabase(ctx context.Context, cfg *config.Config, t *terminal) (pipeline.FaceDatabase, error) {
	if resolveDBURL(dbURL, cfg) != "" {
		db, err := connectStore(ctx)
		if err != nil {
			return nil, err
		}
		t.closers = append(t.closers, func() { db.Close(context.Background()) })
		return db, nil
	}
	if cfg.Database.Gallery != "" {
		idx, err := faceindex.Load(cfg.Database.Gallery)
		if err != nil {
			return nil, err
		}
		t.logger.Info("gallery loaded", "path", cfg.Database.Gallery, "persons", idx.Len())
		return idx, nil
	}
	t.logger.Warn("no face database configured, every face is a stranger")
	return faceindex.New(), nil
}

func openLine(rc config.RelayConfig, driver string) (relay.Line, error) {
	switch driver {
	case "serial":
		return relay.OpenSerialLine(rc.Device, rc.Channel, rc.Serial)
	case "gpio":
		return relay.OpenGPIOLine(rc.GPIORoot, rc.GPIOPin)
	case "memory":
		return &relay.MemoryLine{}, nil
	default:
		return nil, errors.New("unknown relay driver " + driver)
	}
}

// logDisplay reports face appearance changes at debug level.
func logDisplay(logger *slog.Logger) pipeline.DisplayFunc {
	var seen bool
	return func(index uint64, visible, infrared types.DetectionResult) {
		if visible.Found() == seen {
			return
		}
		seen = visible.Found()
		if seen {
			f := visible.Face
			logger.Debug("face entered", "frame", index, "x", f.X, "y", f.Y, "w", f.Width, "h", f.Height,
				"infrared", infrared.Found())
		} else {
			logger.Debug("face left", "frame", index)
		}
	}
}
