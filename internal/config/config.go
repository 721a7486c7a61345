// Package config loads the terminal's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/gatekeeper/internal/camera"
	"github.com/andresmejia3/gatekeeper/internal/policy"
	"github.com/andresmejia3/gatekeeper/internal/publish"
	"github.com/andresmejia3/gatekeeper/internal/relay"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the whole terminal configuration.
type Config struct {
	Terminal string        `yaml:"terminal"`
	Log      LogConfig     `yaml:"log"`
	Camera   camera.Config `yaml:"camera"`
	Engine   EngineConfig  `yaml:"engine"`
	Database Database      `yaml:"database"`
	Policy   PolicyConfig  `yaml:"policy"`
	Relay    RelayConfig   `yaml:"relay"`
	Journal  JournalConfig `yaml:"journal"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// EngineConfig launches the inference subprocesses.
type EngineConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Timeout        time.Duration `yaml:"timeout"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

// Database selects the face database: PostgreSQL when URL is set, the
// in-memory gallery otherwise.
type Database struct {
	URL     string `yaml:"url"`
	Gallery string `yaml:"gallery"`
}

// PolicyConfig is the YAML form of policy.Policy.
type PolicyConfig struct {
	Checks           []string          `yaml:"checks"`
	Mode             string            `yaml:"mode"`
	Temperature      TemperatureConfig `yaml:"temperature"`
	AntiSpoofing     bool              `yaml:"anti_spoofing"`
	AntiSpoofScore   float64           `yaml:"anti_spoof_score"`
	MaskScore        float64           `yaml:"mask_score"`
	MatchThreshold   float64           `yaml:"match_threshold"`
	StrangerAttempts int               `yaml:"stranger_attempts"`
}

// TemperatureConfig enables the thermometer check.
type TemperatureConfig struct {
	Enabled bool    `yaml:"enabled"`
	Max     float64 `yaml:"max"`
}

// RelayConfig selects and configures the door relay.
type RelayConfig struct {
	Driver    string            `yaml:"driver"` // serial, gpio or memory
	Device    string            `yaml:"device"`
	Channel   int               `yaml:"channel"`
	Serial    relay.PortOptions `yaml:"serial"`
	GPIORoot  string            `yaml:"gpio_root"`
	GPIOPin   int               `yaml:"gpio_pin"`
	RestLevel string            `yaml:"rest_level"`
	Hold      time.Duration     `yaml:"hold"`
}

// JournalConfig locates the SQLite event journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig enables decision publishing.
type MQTTConfig struct {
	Enabled        bool `yaml:"enabled"`
	publish.Config `yaml:",inline"`
}

// Default returns the configuration used for any field the file leaves out.
func Default() Config {
	p := policy.Default()
	return Config{
		Terminal: "gatekeeper",
		Log:      LogConfig{Level: "info", Format: "text"},
		Camera: camera.Config{
			Visible:     camera.Stream{Input: "/dev/video0", Format: "v4l2"},
			Width:       1280,
			Height:      720,
			SmallWidth:  320,
			SmallHeight: 180,
		},
		Engine: EngineConfig{
			Command:        "python3",
			Args:           []string{"-u", "python/engine.py"},
			Timeout:        2 * time.Second,
			RestartBackoff: 5 * time.Second,
		},
		Policy: PolicyConfig{
			Checks:           strings.Split(p.Checks.String(), ","),
			Mode:             p.Mode.String(),
			Temperature:      TemperatureConfig{Enabled: p.TemperatureEnabled, Max: p.TemperatureMax},
			AntiSpoofing:     p.AntiSpoofing,
			AntiSpoofScore:   p.AntiSpoofScore,
			MaskScore:        p.MaskScore,
			MatchThreshold:   p.MatchThreshold,
			StrangerAttempts: p.StrangerAttempts,
		},
		Relay: RelayConfig{
			Driver:    "memory",
			Channel:   1,
			GPIORoot:  relay.DefaultGPIORoot,
			RestLevel: "low",
			Hold:      p.HoldDuration,
		},
		Journal: JournalConfig{Path: "gatekeeper-events.db"},
		MQTT: MQTTConfig{Config: publish.Config{
			Broker: "tcp://localhost:1883",
			Topic:  "gatekeeper/decisions",
			QoS:    1,
		}},
	}
}

// Load reads path over Default. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.Terminal
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Terminal == "" {
		errs = append(errs, errors.New("terminal must not be empty"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", f))
	}
	if err := c.Camera.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.Command == "" {
		errs = append(errs, errors.New("engine.command is required"))
	}
	if c.Engine.Timeout < 0 {
		errs = append(errs, errors.New("engine.timeout must not be negative"))
	}
	if _, err := c.AccessPolicy(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, c.Relay.validate()...)
	if c.MQTT.Enabled && (c.MQTT.Broker == "" || c.MQTT.Topic == "") {
		errs = append(errs, errors.New("mqtt.broker and mqtt.topic are required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (r RelayConfig) validate() []error {
	var errs []error
	switch r.Driver {
	case "memory":
	case "serial":
		if r.Device == "" {
			errs = append(errs, errors.New("relay.device is required for the serial driver"))
		}
		if r.Channel < 1 || r.Channel > 8 {
			errs = append(errs, fmt.Errorf("relay.channel must be between 1 and 8, got %d", r.Channel))
		}
		if _, err := r.Serial.Normalize(); err != nil {
			errs = append(errs, fmt.Errorf("relay.serial: %w", err))
		}
	case "gpio":
		if r.GPIOPin < 0 {
			errs = append(errs, fmt.Errorf("relay.gpio_pin must not be negative, got %d", r.GPIOPin))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.driver must be serial, gpio or memory, got %q", r.Driver))
	}
	if _, err := relay.ParseLevel(r.RestLevel); err != nil {
		errs = append(errs, fmt.Errorf("relay.rest_level: %w", err))
	}
	if r.Hold <= 0 {
		errs = append(errs, fmt.Errorf("relay.hold must be positive, got %s", r.Hold))
	}
	return errs
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// AccessPolicy converts the policy section, taking the hold time from the relay section.
func (c *Config) AccessPolicy() (policy.Policy, error) {
	checks, err := policy.ParseChecks(c.Policy.Checks)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("policy.checks: %w", err)
	}
	mode, err := policy.ParseMode(c.Policy.Mode)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("policy.mode: %w", err)
	}
	p := policy.Policy{
		Checks:             checks,
		Mode:               mode,
		TemperatureEnabled: c.Policy.Temperature.Enabled,
		TemperatureMax:     c.Policy.Temperature.Max,
		AntiSpoofing:       c.Policy.AntiSpoofing,
		AntiSpoofScore:     c.Policy.AntiSpoofScore,
		MaskScore:          c.Policy.MaskScore,
		MatchThreshold:     c.Policy.MatchThreshold,
		StrangerAttempts:   c.Policy.StrangerAttempts,
		HoldDuration:       c.Relay.Hold,
	}
	if err := p.Validate(); err != nil {
		return policy.Policy{}, fmt.Errorf("policy: %w", err)
	}
	return p, nil
}

// RestLevel parses Relay.RestLevel. Validate has already checked it.
func (c *Config) RestLevel() relay.Level {
	l, _ := relay.ParseLevel(c.Relay.RestLevel)
	return l
}
