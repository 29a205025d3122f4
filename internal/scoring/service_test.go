package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// constAdapter returns a fixed probability and counts predictions.
type constAdapter struct {
	name  string
	prob  float64
	mu    sync.Mutex
	calls int
}

func (a *constAdapter) Name() string { return a.name }

func (a *constAdapter) Train(_ context.Context, split *dataset.Split) (*domain.Metrics, error) {
	return &domain.Metrics{Algorithm: a.name, NTest: len(split.TestY), TrainedAt: time.Now()}, nil
}

func (a *constAdapter) PredictProbability(vec domain.FeatureVector) (float64, error) {
	if err := features.Check(vec, domain.FeatureNames); err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.prob, nil
}

type capturingBus struct {
	mu      sync.Mutex
	records []domain.DecisionRecord
}

func (b *capturingBus) Publish(_ context.Context, topic string, payload []byte) error {
	if topic != domain.TopicDecision {
		return nil
	}
	var rec domain.DecisionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return err
	}
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.mu.Unlock()
	return nil
}

func (b *capturingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, nil
}
func (b *capturingBus) Ping(context.Context) error { return nil }
func (b *capturingBus) Close() error               { return nil }

type fixture struct {
	reg     *registry.Registry
	adapter *constAdapter
}

func newFixture(t *testing.T, prob float64) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, dataset.WriteCSV(f, dataset.Generate(200, 0.1, 3)))
	require.NoError(t, f.Close())

	cfg := domain.DefaultConfig().Model
	cfg.DatasetPath = path

	fx := &fixture{adapter: &constAdapter{name: domain.AlgorithmANN, prob: prob}}
	fx.reg = registry.New(cfg, dataset.NewLoader(), registry.WithAdapterFactory(
		func(name string, _ domain.ModelConfig) (model.Adapter, error) {
			if name == domain.AlgorithmANN {
				return fx.adapter, nil
			}
			return &constAdapter{name: name, prob: prob}, nil
		}))
	return fx
}

func (fx *fixture) train(t *testing.T) {
	t.Helper()
	_, err := fx.reg.Train(context.Background(), domain.AlgorithmANN)
	require.NoError(t, err)
}

func engine(t *testing.T, set string) *rules.Engine {
	t.Helper()
	rs := rules.StandardRules()
	if set == rules.SetChat {
		rs = rules.ChatRules()
	}
	e, err := rules.NewEngineWithRules(set, rules.DefaultCatalog(), rs)
	require.NoError(t, err)
	return e
}

func record(amount float64, merchant string) *domain.TransactionRecord {
	return &domain.TransactionRecord{Time: 500, Amount: amount, Merchant: merchant}
}

func TestScoreUntrained(t *testing.T) {
	fx := newFixture(t, 0.1)
	svc := New(fx.reg, engine(t, rules.SetStandard), decision.Standard())

	_, err := svc.Score(context.Background(), record(10, ""), "")
	var notReady *domain.ModelNotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, "model not loaded", err.Error())
}

func TestScoreBands(t *testing.T) {
	tests := []struct {
		name     string
		prob     float64
		rec      *domain.TransactionRecord
		decision domain.Decision
		delta    float64
		reason   string
	}{
		{"legit no metadata", 0.05, record(123.45, ""), domain.DecisionAllow, 0, ""},
		{"unknown merchant pushes to challenge", 0.20, record(50, "Joe's Gadgets"), domain.DecisionChallenge, 0.12, "unrecognized merchant"},
		{"coffee high amount", 0.10, record(800, "Starbucks"), domain.DecisionAllow, 0.08, "unusually high amount for merchant category"},
		{"high model score", 0.70, record(40, "Amazon"), domain.DecisionBlock, 0, ""},
		{"very high amount", 0.55, record(20000, ""), domain.DecisionBlock, 0.06, "very high transaction amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.prob)
			fx.train(t)
			svc := New(fx.reg, engine(t, rules.SetStandard), decision.Standard())

			res, err := svc.Score(context.Background(), tt.rec, "")
			require.NoError(t, err)
			assert.Equal(t, tt.decision, res.Decision)
			assert.InDelta(t, tt.delta, res.OverlayDelta, 1e-9)
			assert.InDelta(t, tt.prob, res.ModelScore, 1e-9)
			assert.InDelta(t, tt.prob+tt.delta, res.Score, 1e-9)
			assert.Equal(t, domain.AlgorithmANN, res.Algorithm)
			assert.Equal(t, "ann-v1", res.ModelVersion)
			assert.Equal(t, decision.PolicyStandard, res.Policy)
			assert.NotEmpty(t, res.ID)
			assert.LessOrEqual(t, len(res.Reasons), domain.MaxReasons)
			if tt.reason != "" {
				assert.Contains(t, res.Reasons, tt.reason)
			}
		})
	}
}

func TestScoreValidation(t *testing.T) {
	fx := newFixture(t, 0.1)
	fx.train(t)
	svc := New(fx.reg, engine(t, rules.SetStandard), decision.Standard())

	_, err := svc.Score(context.Background(), record(-5, ""), "")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Amount", verr.Field)

	_, err = svc.Score(context.Background(), record(5, ""), "forest")
	var unknown *domain.UnknownAlgorithmError
	require.ErrorAs(t, err, &unknown)
}

func TestScoreCached(t *testing.T) {
	fx := newFixture(t, 0.3)
	fx.train(t)
	svc := New(fx.reg, engine(t, rules.SetStandard), decision.Standard(),
		WithCache(cache.NewLRUCache(100), time.Minute))
	ctx := context.Background()

	first, err := svc.Score(ctx, record(42, "Uber"), "")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.Score(ctx, record(42, "Uber"), "")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.Reasons, second.Reasons)
	assert.Equal(t, 1, fx.adapter.calls)

	// A different merchant is a different key.
	third, err := svc.Score(ctx, record(42, "Lyft"), "")
	require.NoError(t, err)
	assert.False(t, third.Cached)

	// Retraining bumps the version and invalidates earlier entries.
	fx.train(t)
	fourth, err := svc.Score(ctx, record(42, "Uber"), "")
	require.NoError(t, err)
	assert.False(t, fourth.Cached)
	assert.Equal(t, "ann-v2", fourth.ModelVersion)
}

func TestScorePublishesDecision(t *testing.T) {
	fx := newFixture(t, 0.65)
	fx.train(t)
	bus := &capturingBus{}
	svc := New(fx.reg, engine(t, rules.SetStandard), decision.Standard(),
		WithEventBus(bus), WithSource(SourceChat))

	res, err := svc.Score(context.Background(), record(99, "Shell"), "")
	require.NoError(t, err)

	require.Len(t, bus.records, 1)
	rec := bus.records[0]
	assert.Equal(t, res.ID, rec.ID)
	assert.Equal(t, SourceChat, rec.Source)
	assert.Equal(t, domain.DecisionBlock, rec.Decision)
	assert.Equal(t, "Shell", rec.Merchant)
	assert.Equal(t, 99.0, rec.Amount)
}

func TestScoreFallback(t *testing.T) {
	fx := newFixture(t, 0.9)
	svc := New(fx.reg, engine(t, rules.SetChat), decision.Strict(),
		WithFallback(Fallback{Score: 0.01, Confidence: 0.85}), WithSource(SourceChat))
	ctx := context.Background()

	res, err := svc.Score(ctx, features.Synthetic(25, "Starbucks"), "")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "ann"+FallbackSuffix, res.Algorithm)
	assert.Equal(t, 0.85, res.Confidence)
	assert.Equal(t, domain.DecisionChallenge, res.Decision, "0.01 sits on the strict low threshold")
	assert.Equal(t, "review", res.Label)
	assert.Empty(t, res.ModelVersion)

	res, err = svc.Score(ctx, features.Synthetic(25, domain.UnknownMerchant), "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlock, res.Decision)
	assert.Contains(t, res.Reasons, "unrecognized merchant")

	// Once trained the model is used again.
	fx.train(t)
	res, err = svc.Score(ctx, features.Synthetic(25, "Starbucks"), "")
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, domain.AlgorithmANN, res.Algorithm)
}

func TestScoreOverlayFailure(t *testing.T) {
	fx := newFixture(t, 0.1)
	fx.train(t)
	bad, err := rules.NewEngineWithRules("bad", rules.DefaultCatalog(), []domain.RuleConfig{{
		ID:         "div",
		Expression: "int(amount) / 0 > 1",
		Delta:      0.1,
		Reason:     "never",
		Enabled:    true,
	}})
	require.NoError(t, err)

	svc := New(fx.reg, bad, decision.Standard())
	_, err = svc.Score(context.Background(), record(10, ""), "")
	assert.True(t, errors.Is(err, domain.ErrOverlay), "got %v", err)
}

func TestScoreTrainedANNEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, dataset.WriteCSV(f, dataset.Generate(1500, 0.1, 5)))
	require.NoError(t, f.Close())

	cfg := domain.DefaultConfig().Model
	cfg.DatasetPath = path
	cfg.HiddenLayers = []int{16, 8}
	cfg.Epochs = 15
	cfg.BatchSize = 32
	cfg.LearningRate = 0.01

	reg := registry.New(cfg, dataset.NewLoader())
	_, err = reg.Train(context.Background(), domain.AlgorithmANN)
	require.NoError(t, err)

	policy := decision.Standard()
	svc := New(reg, engine(t, rules.SetStandard), policy)

	legit, err := svc.Score(context.Background(), &domain.TransactionRecord{Time: 10000, Amount: 123.45}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, legit.Decision)
	assert.Less(t, legit.Score, policy.Low)

	fraud := &domain.TransactionRecord{Time: 40000, Amount: 500}
	fraud.V[2] = -5  // V3
	fraud.V[3] = 4   // V4
	fraud.V[9] = -4  // V10
	fraud.V[11] = -5 // V12
	fraud.V[13] = -5 // V14
	fraud.V[16] = -5 // V17
	res, err := svc.Score(context.Background(), fraud, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlock, res.Decision)
	assert.GreaterOrEqual(t, res.Score, policy.High)
	assert.Equal(t, domain.AlgorithmANN, res.Algorithm)
}
