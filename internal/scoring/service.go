// Package scoring chains the feature builder, the algorithm registry, the
// business-rule overlay and a decision policy into one ScoreResult.
package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Decision sources.
const (
	SourceAPI  = "api"
	SourceChat = "chat"
)

// FallbackSuffix marks the algorithm of a result produced without a model.
const FallbackSuffix = " (business rules fallback)"

// Fallback is the base score used when the requested model is not trained.
type Fallback struct {
	Score      float64
	Confidence float64
}

// Service scores transactions for one surface.
type Service struct {
	registry *registry.Registry
	overlay  *rules.Engine
	policy   *decision.Policy

	source   string
	cache    domain.Cache
	cacheTTL time.Duration
	bus      domain.EventBus
	fallback *Fallback
}

// Option configures a Service.
type Option func(*Service)

// WithSource tags decisions and metrics with the calling surface.
func WithSource(source string) Option {
	return func(s *Service) { s.source = source }
}

// WithCache caches results by model version, vector, merchant and policy.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithEventBus publishes a DecisionRecord per scored transaction.
func WithEventBus(bus domain.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithFallback scores with a fixed base probability instead of failing when
// the model is not trained.
func WithFallback(fb Fallback) Option {
	return func(s *Service) { s.fallback = &fb }
}

// New creates a scoring service.
func New(reg *registry.Registry, overlay *rules.Engine, policy *decision.Policy, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		overlay:  overlay,
		policy:   policy,
		source:   SourceAPI,
		cacheTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the decision policy in use.
func (s *Service) Policy() *decision.Policy {
	return s.policy
}

// Overlay returns the business-rule engine in use.
func (s *Service) Overlay() *rules.Engine {
	return s.overlay
}

// Score evaluates rec under algorithm, or the active algorithm when empty.
func (s *Service) Score(ctx context.Context, rec *domain.TransactionRecord, algorithm string) (*domain.ScoreResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "scoring.Score",
		attribute.String("kestrel.source", s.source),
		telemetry.Policy(s.policy.Name),
	)
	defer span.End()

	res, err := s.score(ctx, rec, algorithm)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		telemetry.Algorithm(res.Algorithm),
		attribute.String("kestrel.decision", string(res.Decision)),
		attribute.Float64("kestrel.score", res.Score),
		attribute.Bool("kestrel.cached", res.Cached),
	)
	telemetry.DecisionsTotal.WithLabelValues(s.source, res.Algorithm, string(res.Decision)).Inc()
	s.publish(ctx, rec, res)
	return res, nil
}

func (s *Service) score(ctx context.Context, rec *domain.TransactionRecord, algorithm string) (*domain.ScoreResult, error) {
	vec, err := features.Build(rec)
	if err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm = s.registry.Active()
	}

	version, err := s.registry.Version(algorithm)
	var notReady *domain.ModelNotReadyError
	if errors.As(err, &notReady) && s.fallback != nil {
		return s.fallbackScore(rec, algorithm)
	}
	if err != nil {
		return nil, err
	}

	key := s.cacheKey(algorithm, version, vec, rec)
	if cached := s.lookup(ctx, key); cached != nil {
		return cached, nil
	}

	pred, err := s.registry.Score(vec, algorithm)
	if err != nil {
		return nil, err
	}

	res, err := s.decide(rec, pred.Probability)
	if err != nil {
		return nil, err
	}
	res.Algorithm = pred.Algorithm
	res.ModelVersion = pred.ModelVersion

	if s.cache != nil {
		// The key is rebuilt in case a retrain landed between lookup and score.
		key = s.cacheKey(pred.Algorithm, pred.ModelVersion, vec, rec)
		if err := s.cache.SetScore(ctx, key, res, s.cacheTTL); err != nil {
			slog.Warn("failed to cache score", "error", err)
		}
	}
	return res, nil
}

func (s *Service) fallbackScore(rec *domain.TransactionRecord, algorithm string) (*domain.ScoreResult, error) {
	res, err := s.decide(rec, s.fallback.Score)
	if err != nil {
		return nil, err
	}
	res.Algorithm = algorithm + FallbackSuffix
	res.Confidence = s.fallback.Confidence
	res.Fallback = true
	return res, nil
}

func (s *Service) decide(rec *domain.TransactionRecord, probability float64) (*domain.ScoreResult, error) {
	adj, err := s.overlay.Adjust(rec)
	if err != nil {
		return nil, err
	}
	out, err := s.policy.Decide(probability, adj.Delta, adj.Reasons)
	if err != nil {
		return nil, err
	}
	return &domain.ScoreResult{
		ID:           uuid.New().String(),
		Score:        out.Risk,
		ModelScore:   probability,
		OverlayDelta: adj.Delta,
		Decision:     out.Decision,
		Label:        out.Label,
		Confidence:   out.Confidence,
		Policy:       s.policy.Name,
		Reasons:      out.Reasons,
	}, nil
}

func (s *Service) lookup(ctx context.Context, key string) *domain.ScoreResult {
	if s.cache == nil {
		return nil
	}
	res, err := s.cache.GetScore(ctx, key)
	if err != nil {
		slog.Warn("score cache lookup failed", "error", err)
		telemetry.ScoreCacheTotal.WithLabelValues("error").Inc()
		return nil
	}
	if res == nil {
		telemetry.ScoreCacheTotal.WithLabelValues("miss").Inc()
		return nil
	}
	telemetry.ScoreCacheTotal.WithLabelValues("hit").Inc()
	res.ID = uuid.New().String()
	res.Cached = true
	return res
}

// cacheKey identifies everything a result depends on.
func (s *Service) cacheKey(algorithm, version string, vec domain.FeatureVector, rec *domain.TransactionRecord) string {
	h := sha256.New()
	var buf [8]byte
	for _, v := range vec.Values {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	fmt.Fprintf(h, "|%s|%s|%s|%s", rec.Merchant, rec.Category, s.overlay.Name(), s.policy.Name)
	return fmt.Sprintf("%s:%s:%s", algorithm, version, hex.EncodeToString(h.Sum(nil)))
}

func (s *Service) publish(ctx context.Context, rec *domain.TransactionRecord, res *domain.ScoreResult) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.NewDecisionRecord(s.source, rec, res))
	if err != nil {
		slog.Warn("failed to encode decision", "id", res.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Warn("failed to publish decision", "id", res.ID, "error", err)
	}
}
