package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/andresmejia3/gatekeeper/internal/exchange"
	"github.com/andresmejia3/gatekeeper/internal/policy"
	"github.com/andresmejia3/gatekeeper/internal/timeutil"
	"github.com/andresmejia3/gatekeeper/internal/types"
)

// ReadinessReceiver is told which checks decision has settled.
type ReadinessReceiver interface {
	SetReadiness(Readiness)
}

// DecisionOptions are the optional collaborators of a DecisionStage.
type DecisionOptions struct {
	Thermometer Thermometer
	Sinks       []DecisionSink
	Readiness   ReadinessReceiver
	Clock       timeutil.Clock
}

// DecisionStats counts decisions on top of the usual stage counters.
type DecisionStats struct {
	StageStats
	Granted uint64
	Denied  uint64
}

// appearance is what decision knows about the person currently in view.
type appearance struct {
	generation      uint64
	present         bool
	live            bool
	livenessSettled bool
	identitySettled bool
	identified      bool
	identity        types.Identity
	score           float64
	masked          bool
	attempts        int
	decided         bool
	firstIndex      uint64
}

// DecisionStage accumulates recognition results for one appearance, settles
// liveness and identity, and evaluates the access policy exactly once per
// appearance.
type DecisionStage struct {
	policy PolicySource
	opener Opener
	opts   DecisionOptions
	logger *slog.Logger

	inbox *exchange.Mailbox[*exchange.Exchange[types.RecognitionResult]]
	gate  exchange.Gate

	person  appearance
	stats   counters
	granted atomic.Uint64
	denied  atomic.Uint64
}

// NewDecisionStage returns a stage that opens the door through opener.
func NewDecisionStage(policy PolicySource, opener Opener, opts DecisionOptions, logger *slog.Logger) *DecisionStage {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &DecisionStage{
		policy: policy,
		opener: opener,
		opts:   opts,
		logger: logger.With("stage", "decision"),
		inbox:  exchange.NewMailbox[*exchange.Exchange[types.RecognitionResult]](),
	}
}

// Idle implements ResultConsumer.
func (d *DecisionStage) Idle() bool { return d.gate.Idle() }

// Submit implements ResultConsumer.
func (d *DecisionStage) Submit(results *exchange.Exchange[types.RecognitionResult]) bool {
	if !d.gate.TryAcquire() {
		return false
	}
	results.Rotate()
	d.inbox.Post(results)
	return true
}

// Stats returns the decision counters.
func (d *DecisionStage) Stats() DecisionStats {
	return DecisionStats{StageStats: d.stats.snapshot(), Granted: d.granted.Load(), Denied: d.denied.Load()}
}

// Run processes results until ctx is cancelled.
func (d *DecisionStage) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case results := <-d.inbox.C():
			d.process(ctx, results.Inactive())
			d.gate.Release()
		}
	}
}

func (d *DecisionStage) process(ctx context.Context, res *types.RecognitionResult) {
	d.stats.processed.Add(1)
	p := d.policy.Current()

	// A new appearance number means the face left in between, even when the
	// no-face result itself was dropped upstream.
	if !res.FaceFound || res.Appearance != d.person.generation {
		if d.person.present {
			d.logger.Debug("person left", "frame", res.Index, "decided", d.person.decided)
		}
		d.person = appearance{generation: res.Appearance}
		if !res.FaceFound {
			d.notify()
			return
		}
	}

	if !d.person.present {
		d.person = appearance{generation: res.Appearance, present: true, firstIndex: res.Index}
	}
	d.accumulate(res, p)

	if !d.person.decided && d.person.livenessSettled && d.person.identitySettled {
		d.decide(ctx, res.Index, p)
	}
	d.notify()
}

func (d *DecisionStage) accumulate(res *types.RecognitionResult, p policy.Policy) {
	if res.HasLiveness && res.IsLive {
		d.person.live = true
		d.person.livenessSettled = true
	}
	if !res.HasIdentity || d.person.identitySettled {
		return
	}
	d.person.masked = res.HasMask
	if res.Identity.ID != 0 && res.Score >= p.MatchThreshold {
		d.person.identitySettled = true
		d.person.identified = true
		d.person.identity = res.Identity
		d.person.score = res.Score
		return
	}
	d.person.attempts++
	if res.Score > d.person.score {
		d.person.score = res.Score
	}
	if d.person.attempts >= p.StrangerAttempts {
		d.person.identitySettled = true
	}
}

func (d *DecisionStage) decide(ctx context.Context, index uint64, p policy.Policy) {
	d.person.decided = true
	person := types.PersonData{
		Identity:   d.person.identity,
		Identified: d.person.identified,
		Score:      d.person.score,
		HasMask:    d.person.masked,
		IsLive:     d.person.live,
	}
	if d.opts.Thermometer != nil {
		if t, ok := d.opts.Thermometer.Read(ctx); ok {
			person.Temperature = t
			person.TemperatureNormal = t <= p.TemperatureMax
		}
	}

	verdict := policy.Evaluate(person, p)
	// An unmatched face never opens the door in all-pass mode, even with
	// every check disabled.
	if p.Mode == policy.AllPass && !person.Identified {
		verdict.Open = false
	}

	log := d.logger.With("frame", index, "person", person.Identity.Name, "score", person.Score, "mode", p.Mode)
	if verdict.Open {
		d.granted.Add(1)
		if err := d.opener.Trigger(ctx, p.HoldDuration); err != nil {
			d.logger.Error("relay trigger failed", "kind", "hardware_write_failure", "error", err)
		}
		log.Info("door opened")
	} else {
		d.denied.Add(1)
		log.Info("access denied", "identified", person.Identified, "all_pass", verdict.AllPass)
	}

	decision := types.Decision{
		ID:         uuid.NewString(),
		Time:       d.opts.Clock.Now(),
		FrameIndex: index,
		Person:     person,
		Verdict:    verdict,
		Mode:       p.Mode.String(),
	}
	for _, sink := range d.opts.Sinks {
		if err := sink.Record(ctx, decision); err != nil {
			d.stats.failures.Add(1)
			d.logger.Warn("decision sink failed", "error", err)
		}
	}
}

func (d *DecisionStage) notify() {
	if d.opts.Readiness == nil {
		return
	}
	d.opts.Readiness.SetReadiness(Readiness{
		Appearance:      d.person.generation,
		LivenessSettled: d.person.livenessSettled,
		IdentitySettled: d.person.identitySettled,
	})
}
