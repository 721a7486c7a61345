package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

type fakeToken struct {
	err     error
	stalled bool
}

func (t *fakeToken) Wait() bool                     { return !t.stalled }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.stalled }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.stalled {
		close(ch)
	}
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	token *fakeToken
	sent  []published
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, published{topic, qos, retained, payload.([]byte)})
	return c.token
}

func newTestPublisher(token *fakeToken) (*Publisher, *fakeClient) {
	c := &fakeClient{token: token}
	p := New(Config{ClientID: "door-1", Topic: "gatekeeper/door-1/decisions", QoS: 1, HealthTopic: "gatekeeper/door-1/health"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.client = c
	p.setConnected(true)
	return p, c
}

func sampleDecision() types.Decision {
	id := types.Identity{ID: 5, Name: "ada", Status: types.StatusNormal}
	return types.Decision{
		ID:         "b3c1",
		Time:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		FrameIndex: 77,
		Person:     types.PersonData{Identity: id, Identified: true, Score: 0.91, HasMask: true, IsLive: true},
		Verdict:    types.AccessVerdict{Open: true, AllPass: true, Identity: id},
		Mode:       "all-pass",
	}
}

func TestRecordPublishesMsgpack(t *testing.T) {
	p, c := newTestPublisher(&fakeToken{})

	require.NoError(t, p.Record(context.Background(), sampleDecision()))
	require.Len(t, c.sent, 1)
	assert.Equal(t, "gatekeeper/door-1/decisions", c.sent[0].topic)
	assert.Equal(t, byte(1), c.sent[0].qos)
	assert.False(t, c.sent[0].retained)

	var msg Message
	require.NoError(t, msgpack.Unmarshal(c.sent[0].payload, &msg))
	assert.Equal(t, "door-1", msg.Terminal)
	assert.Equal(t, "ada", msg.PersonName)
	assert.Equal(t, "normal", msg.Status)
	assert.Equal(t, uint64(77), msg.FrameIndex)
	assert.True(t, msg.Opened)
	assert.True(t, msg.Time.Equal(sampleDecision().Time))

	assert.Equal(t, Stats{Connected: true, Published: 1}, p.Stats())
}

func TestRecordErrors(t *testing.T) {
	p, _ := newTestPublisher(&fakeToken{stalled: true})
	assert.ErrorContains(t, p.Record(context.Background(), sampleDecision()), "timeout")

	p, _ = newTestPublisher(&fakeToken{err: errors.New("not authorized")})
	assert.ErrorContains(t, p.Record(context.Background(), sampleDecision()), "not authorized")

	p, c := newTestPublisher(&fakeToken{})
	p.setConnected(false)
	assert.Error(t, p.Record(context.Background(), sampleDecision()))
	assert.Empty(t, c.sent)
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestPublishHealthIsRetained(t *testing.T) {
	p, c := newTestPublisher(&fakeToken{})
	require.NoError(t, p.PublishHealth(map[string]uint64{"frames": 10}))
	require.Len(t, c.sent, 1)
	assert.True(t, c.sent[0].retained)
	assert.Equal(t, "gatekeeper/door-1/health", c.sent[0].topic)
}
