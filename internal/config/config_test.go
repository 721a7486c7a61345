package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/gatekeeper/internal/policy"
	"github.com/andresmejia3/gatekeeper/internal/relay"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	p, err := cfg.AccessPolicy()
	require.NoError(t, err)
	assert.Equal(t, policy.Default(), p)
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "gatekeeper", cfg.Terminal)
	assert.Equal(t, "gatekeeper", cfg.MQTT.ClientID)
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
terminal: lobby-east
log:
  level: debug
  format: json
camera:
  visible: {input: /dev/video2, format: v4l2}
  infrared: {input: /dev/video3, format: v4l2}
  width: 640
  height: 480
  small_width: 320
  small_height: 240
engine:
  command: /opt/engine/bin/serve
  args: [--models, /opt/models]
  timeout: 750ms
database:
  url: postgres://door@db/gatekeeper
policy:
  checks: [status, mask, temperature]
  mode: any-not-pass
  temperature: {enabled: true, max: 37.8}
  anti_spoofing: false
  match_threshold: 0.8
  stranger_attempts: 2
relay:
  driver: serial
  device: /dev/ttyUSB0
  channel: 2
  serial: {baud_rate: 9600}
  rest_level: high
  hold: 5s
journal:
  path: /var/lib/gatekeeper/events.db
mqtt:
  enabled: true
  broker: tcp://broker:1883
  topic: site/lobby-east/decisions
  qos: 1
  timeout: 250ms
`))
	require.NoError(t, err)

	assert.Equal(t, "lobby-east", cfg.MQTT.ClientID)
	assert.Equal(t, "/dev/video3", cfg.Camera.Infrared.Input)
	assert.Equal(t, []string{"--models", "/opt/models"}, cfg.Engine.Args)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.MQTT.Timeout)
	assert.Equal(t, relay.High, cfg.RestLevel())

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	p, err := cfg.AccessPolicy()
	require.NoError(t, err)
	assert.Equal(t, policy.CheckAll, p.Checks)
	assert.Equal(t, policy.AnyNotPass, p.Mode)
	assert.True(t, p.TemperatureEnabled)
	assert.Equal(t, 37.8, p.TemperatureMax)
	assert.False(t, p.AntiSpoofing)
	assert.Equal(t, 2, p.StrangerAttempts)
	assert.Equal(t, 5*time.Second, p.HoldDuration)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.5, p.MaskScore)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("relay:\n  drvier: gpio\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateCollectsErrors(t *testing.T) {
	_, err := Parse([]byte(`
log: {level: loud}
policy:
  checks: [fingerprint]
  match_threshold: 1.5
relay:
  driver: serial
  channel: 9
  hold: 0s
`))
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{"log.level", "policy.checks", "relay.device", "relay.channel", "relay.hold"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidateTable(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"empty terminal", func(c *Config) { c.Terminal = "" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"no engine", func(c *Config) { c.Engine.Command = "" }},
		{"unknown driver", func(c *Config) { c.Relay.Driver = "can" }},
		{"bad rest level", func(c *Config) { c.Relay.RestLevel = "sideways" }},
		{"bad mode", func(c *Config) { c.Policy.Mode = "sometimes" }},
		{"mqtt without topic", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Topic = "" }},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }},
		{"zero stranger attempts", func(c *Config) { c.Policy.StrangerAttempts = 0 }},
		{"bad serial parity", func(c *Config) {
			c.Relay.Driver = "serial"
			c.Relay.Device = "/dev/ttyUSB0"
			c.Relay.Serial.Parity = "Z"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mut(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("terminal: side-door\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "side-door", cfg.Terminal)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
