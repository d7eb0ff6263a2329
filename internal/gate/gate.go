package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/familyos/cogfabric/internal/backpressure"
	"github.com/familyos/cogfabric/internal/collab"
	"github.com/familyos/cogfabric/internal/config"
	"github.com/familyos/cogfabric/internal/envelope"
)

// Publisher is the narrow interface the gate uses to hand an admitted
// or boosted request on to the bus. Defined locally (rather than
// importing internal/bus) so the bus package never needs to depend on
// the gate.
type Publisher interface {
	Publish(ctx context.Context, topic string, e envelope.Event) error
}

// Gate is the attention gate: the synchronous admission cascade that
// runs before an event reaches the bus (spec §4.5).
type Gate struct {
	cfg       config.GateConfig
	rules     []Rule
	topics    map[Intent]string
	weights   Weights
	policy    collab.PolicyEngine
	buckets   *backpressure.TokenBuckets
	breakers  *backpressure.Breakers
	publisher Publisher
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures a Gate at construction time.
type Option func(*Gate)

// WithRules overrides the default intent-derivation rule set.
func WithRules(rules []Rule) Option {
	return func(g *Gate) { g.rules = rules }
}

// WithIntentTopics overrides the default intent-to-topic map.
func WithIntentTopics(topics map[Intent]string) Option {
	return func(g *Gate) { g.topics = topics }
}

// WithClock overrides the gate's time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// New builds a Gate from config and its required collaborators.
func New(cfg config.GateConfig, policy collab.PolicyEngine, publisher Publisher, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		cfg:     cfg,
		rules:   DefaultRules(),
		topics:  DefaultIntentTopics(),
		weights: WeightsFromConfig(cfg.Weights),
		policy:  policy,
		buckets: backpressure.NewTokenBuckets(cfg.TokenBucket.RatePerActor, cfg.TokenBucket.BurstPerActor),
		breakers: backpressure.NewBreakers(
			time.Duration(cfg.Breaker.FailWindowMs)*time.Millisecond,
			cfg.Breaker.FailThreshold,
			time.Duration(cfg.Breaker.HalfOpenAfterMs)*time.Millisecond,
		),
		publisher: publisher,
		logger:    logger,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the full admission cascade for req and returns the
// decision. On ADMIT or BOOST it publishes the resulting event(s) to
// their intent-mapped topics and, in all cases, emits an audit trace on
// gate.decisions.audit (spec §4.5 step 7) — the audit event's payload
// never carries req.Text.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Decision, error) {
	now := g.clock()
	if req.Ts.IsZero() {
		req.Ts = now
	}

	// Step 1: hard policy check.
	policyDecision, err := g.policy.Evaluate(ctx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("policy evaluation: %w", err)
	}
	if !policyDecision.Allow || envelope.Band(policyDecision.Band) == envelope.BandBlack {
		d := g.deny(req, "policy_band", now)
		g.audit(ctx, req, d)
		return d, nil
	}
	req.Band = envelope.Band(policyDecision.Band)
	if len(policyDecision.Obligations) > 0 {
		req.Obligations = policyDecision.Obligations
	}

	// Step 2: intent derivation.
	intents := DeriveIntents(req, g.rules)
	top := topIntent(intents)
	if top.Confidence < g.cfg.AdmitIntentThreshold {
		top = DerivedIntent{Intent: DefaultSafeIntent, Confidence: DefaultSafeIntentConfidence}
	}

	// Step 3: feature extraction.
	features := ExtractFeatures(req)

	// Step 4 & 5: salience scoring.
	raw := RawScore(features, g.weights, g.cfg.Bias)
	priority := Priority(raw, g.cfg.Alpha, 0, g.cfg.Beta)

	// Step 6: backpressure check (only applies to the admitting path;
	// a request that would be dropped on priority alone never consumes
	// a token).
	action := SelectAction(priority, g.cfg.Thresholds)
	reasons := []string{fmt.Sprintf("priority=%.3f", priority)}

	if action == ActionAdmit || action == ActionBoost {
		topTopic := g.topics[top.Intent]
		topBreaker := g.breakers.For(topTopic)
		allowed, state := topBreaker.Allow()
		if !allowed {
			d := g.defer_(req, intents, features, priority, append(reasons, "circuit_open:"+string(state)), now)
			g.audit(ctx, req, d)
			return d, nil
		}
		if !g.buckets.Allow(req.Actor.PersonID, req.SpaceID) {
			d := g.defer_(req, intents, features, priority, append(reasons, "rate_limited"), now)
			g.audit(ctx, req, d)
			return d, nil
		}

		// Step 7: emit an event on every derived intent's mapped topic
		// that clears the admission threshold (spec §4.5 "Emitted events
		// on ADMIT/BOOST") — a request can carry more than one intent
		// above the bar, e.g. RECALL and SCHEDULE together.
		for _, di := range intents {
			if di.Confidence < g.cfg.AdmitIntentThreshold {
				continue
			}
			topic := g.topics[di.Intent]
			breaker := g.breakers.For(topic)
			ev, err := g.buildEvent(req, topic, priority, action)
			if err != nil {
				breaker.RecordFailure()
				return Decision{}, fmt.Errorf("build event: %w", err)
			}
			if err := g.publisher.Publish(ctx, topic, ev); err != nil {
				breaker.RecordFailure()
				return Decision{}, fmt.Errorf("publish: %w", err)
			}
			breaker.RecordSuccess()
		}
	}

	d := Decision{
		RequestID:       req.RequestID,
		Action:          action,
		Priority:        priority,
		Reasons:         reasons,
		DerivedIntents:  intents,
		Obligations:     req.Obligations,
		TTLMs:           req.TTLMs,
		FeatureSnapshot: features.AsMap(),
		Thresholds: map[string]float64{
			"drop":  g.cfg.Thresholds.Drop,
			"admit": g.cfg.Thresholds.Admit,
			"boost": g.cfg.Thresholds.Boost,
		},
		Ts: now,
	}
	g.audit(ctx, req, d)
	return d, nil
}

func (g *Gate) deny(req Request, reason string, now time.Time) Decision {
	return Decision{
		RequestID:   req.RequestID,
		Action:      ActionDrop,
		Priority:    0,
		Reasons:     []string{reason},
		Obligations: req.Obligations,
		Thresholds: map[string]float64{
			"drop":  g.cfg.Thresholds.Drop,
			"admit": g.cfg.Thresholds.Admit,
			"boost": g.cfg.Thresholds.Boost,
		},
		Ts: now,
	}
}

func (g *Gate) defer_(req Request, intents []DerivedIntent, features Features, priority float64, reasons []string, now time.Time) Decision {
	return Decision{
		RequestID:       req.RequestID,
		Action:          ActionDefer,
		Priority:        priority,
		Reasons:         reasons,
		DerivedIntents:  intents,
		Obligations:     req.Obligations,
		FeatureSnapshot: features.AsMap(),
		Thresholds: map[string]float64{
			"drop":  g.cfg.Thresholds.Drop,
			"admit": g.cfg.Thresholds.Admit,
			"boost": g.cfg.Thresholds.Boost,
		},
		Ts: now,
	}
}

func (g *Gate) buildEvent(req Request, topic string, priority float64, action Action) (envelope.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"request_id": req.RequestID,
		"text":       req.Text,
	})
	if err != nil {
		return envelope.Event{}, err
	}
	sum, err := envelope.HashPayload(payload)
	if err != nil {
		return envelope.Event{}, err
	}
	qosPriority := priority
	if action == ActionBoost {
		qosPriority = math.Min(1.0, qosPriority+0.2)
	}
	meta := envelope.EventMeta{
		EventID:       envelope.NewEventIDAt(req.Ts),
		Topic:         topic,
		Type:          topic,
		SpaceID:       req.SpaceID,
		Ts:            req.Ts.UnixMilli(),
		Actor:         req.Actor,
		Band:          req.Band,
		Obligations:   req.Obligations,
		PolicyVersion: req.PolicyVersion,
		QoS:           envelope.QoS{Priority: qosPriority, Deadline: req.Deadline},
		Hashes:        envelope.Hashes{PayloadSHA256: sum},
		TraceID:       req.TraceID,
		TTLMs:         req.TTLMs,
	}
	return envelope.Event{Meta: meta, Payload: payload}, nil
}

// auditTopic is the fixed destination for gate decision traces.
const auditTopic = "gate.decisions.audit"

func (g *Gate) audit(ctx context.Context, req Request, d Decision) {
	if g.publisher == nil {
		return
	}
	payload, err := json.Marshal(d)
	if err != nil {
		g.logger.Warn("gate: failed to marshal audit payload", "error", err)
		return
	}
	sum, err := envelope.HashPayload(payload)
	if err != nil {
		g.logger.Warn("gate: failed to hash audit payload", "error", err)
		return
	}
	meta := envelope.EventMeta{
		EventID:       envelope.NewEventIDAt(d.Ts),
		Topic:         auditTopic,
		Type:          auditTopic,
		SpaceID:       req.SpaceID,
		Ts:            d.Ts.UnixMilli(),
		Actor:         req.Actor,
		Band:          envelope.BandGreen,
		PolicyVersion: req.PolicyVersion,
		Hashes:        envelope.Hashes{PayloadSHA256: sum},
		TraceID:       req.TraceID,
	}
	ev := envelope.Event{Meta: meta, Payload: payload}
	if err := g.publisher.Publish(ctx, auditTopic, ev); err != nil {
		g.logger.Warn("gate: failed to publish audit trace", "error", err, "request_id", req.RequestID)
	}
}

func topIntent(intents []DerivedIntent) DerivedIntent {
	var best DerivedIntent
	for _, i := range intents {
		if i.Confidence > best.Confidence {
			best = i
		}
	}
	return best
}
