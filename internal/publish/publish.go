// Package publish sends access decisions to an MQTT broker, msgpack encoded.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

// Config selects the broker and topics.
type Config struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Topic       string        `yaml:"topic"`
	QoS         byte          `yaml:"qos"`
	Timeout     time.Duration `yaml:"timeout"`
	HealthTopic string        `yaml:"health_topic"`
}

// Message is the published form of a decision.
type Message struct {
	ID         string    `msgpack:"id"`
	Time       time.Time `msgpack:"time"`
	Terminal   string    `msgpack:"terminal"`
	FrameIndex uint64    `msgpack:"frame"`
	PersonID   int       `msgpack:"person_id"`
	PersonName string    `msgpack:"person_name,omitempty"`
	Status     string    `msgpack:"status"`
	Identified bool      `msgpack:"identified"`
	Score      float64   `msgpack:"score"`
	Masked     bool      `msgpack:"masked"`
	Live       bool      `msgpack:"live"`
	Temp       float64   `msgpack:"temperature,omitempty"`
	Opened     bool      `msgpack:"opened"`
	AllPass    bool      `msgpack:"all_pass"`
	Mode       string    `msgpack:"mode"`
}

// NewMessage flattens a decision for the wire.
func NewMessage(terminal string, d types.Decision) Message {
	p := d.Person
	return Message{
		ID:         d.ID,
		Time:       d.Time.UTC(),
		Terminal:   terminal,
		FrameIndex: d.FrameIndex,
		PersonID:   p.Identity.ID,
		PersonName: p.Identity.Name,
		Status:     p.Identity.Status.String(),
		Identified: p.Identified,
		Score:      p.Score,
		Masked:     p.HasMask,
		Live:       p.IsLive,
		Temp:       p.Temperature,
		Opened:     d.Verdict.Open,
		AllPass:    d.Verdict.AllPass,
		Mode:       d.Mode,
	}
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Stats counts publishes.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// Publisher implements pipeline.DecisionSink over MQTT.
type Publisher struct {
	cfg    Config
	client client
	conn   mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// New returns an unconnected publisher.
func New(cfg Config, logger *slog.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &Publisher{cfg: cfg, logger: logger.With("component", "mqtt")}
}

// Connect establishes the broker connection. The client reconnects on its own afterwards.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connection established", "broker", p.cfg.Broker, "client_id", p.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", p.cfg.Broker)
	}

	conn := mqtt.NewClient(opts)
	p.conn = conn
	p.client = conn

	p.logger.Info("connecting to mqtt broker", "broker", p.cfg.Broker)
	token := conn.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Record publishes d. It waits at most Config.Timeout for the broker.
func (p *Publisher) Record(_ context.Context, d types.Decision) error {
	if !p.isConnected() {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := msgpack.Marshal(NewMessage(p.cfg.ClientID, d))
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(p.cfg.Timeout) {
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.logger.Debug("decision published", "topic", p.cfg.Topic, "size", len(payload))
	return nil
}

// PublishHealth publishes an arbitrary msgpack-encoded status value, retained.
func (p *Publisher) PublishHealth(v any) error {
	if p.cfg.HealthTopic == "" || !p.isConnected() {
		return nil
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.cfg.HealthTopic, 0, true, payload)
	if !token.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Disconnect closes the broker connection.
func (p *Publisher) Disconnect() {
	if p.conn != nil && p.conn.IsConnected() {
		p.conn.Disconnect(250)
		p.logger.Info("mqtt disconnected")
	}
	p.setConnected(false)
}

// Stats returns publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{Connected: p.connected, Published: p.published, Errors: p.errors}
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *Publisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
