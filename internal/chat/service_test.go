package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/nlp"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// memStore is an in-memory domain.UserStore.
type memStore struct {
	mu    sync.Mutex
	users map[string]*domain.UserProfile
	txs   map[string][]*domain.UserTransaction
	err   error
}

func (m *memStore) GetUser(_ context.Context, id string) (*domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (m *memStore) ListTransactions(_ context.Context, id string, limit int) ([]*domain.UserTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txs := append([]*domain.UserTransaction(nil), m.txs[id]...)
	sort.Slice(txs, func(i, j int) bool { return txs[i].Time.After(txs[j].Time) })
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

type fixedAdapter struct {
	name string
	prob float64
}

func (a *fixedAdapter) Name() string { return a.name }

func (a *fixedAdapter) Train(_ context.Context, split *dataset.Split) (*domain.Metrics, error) {
	return &domain.Metrics{Algorithm: a.name, Accuracy: 0.99, NTest: len(split.TestY), TrainedAt: time.Now()}, nil
}

func (a *fixedAdapter) PredictProbability(domain.FeatureVector) (float64, error) {
	return a.prob, nil
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func demoStore() *memStore {
	return &memStore{
		users: map[string]*domain.UserProfile{
			"1": {ID: "1", Username: "alice", FullName: "Alice Demo User", Email: "alice@example.com", CreatedAt: base},
		},
		txs: map[string][]*domain.UserTransaction{
			"1": {
				{ID: "1-01", UserID: "1", Time: base.Add(3 * time.Hour), Amount: 100, Merchant: "Amazon", Location: "San Francisco, CA"},
				{ID: "1-02", UserID: "1", Time: base.Add(2 * time.Hour), Amount: 20, Merchant: "Joe's Gadgets"},
				{ID: "1-03", UserID: "1", Time: base.Add(1 * time.Hour), Amount: 600, Merchant: "Whole Foods", IsFraud: true},
				{ID: "1-04", UserID: "1", Time: base, Amount: 0.5, Merchant: "Stripe"},
			},
		},
	}
}

type harness struct {
	svc *Service
	reg *registry.Registry
}

func newHarness(t *testing.T, users domain.UserStore, prob float64) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, dataset.WriteCSV(f, dataset.Generate(200, 0.1, 5)))
	require.NoError(t, f.Close())

	mcfg := domain.DefaultConfig().Model
	mcfg.DatasetPath = path
	reg := registry.New(mcfg, dataset.NewLoader(), registry.WithAdapterFactory(
		func(name string, _ domain.ModelConfig) (model.Adapter, error) {
			return &fixedAdapter{name: name, prob: prob}, nil
		}))

	engine, err := rules.NewEngineWithRules(rules.SetChat, rules.DefaultCatalog(), rules.ChatRules())
	require.NoError(t, err)

	ccfg := domain.DefaultConfig().Chat
	ccfg.RatePerMinute = 0
	scorer := scoring.New(reg, engine, decision.Strict(),
		scoring.WithSource(scoring.SourceChat),
		scoring.WithFallback(scoring.Fallback{Score: ccfg.FallbackScore, Confidence: ccfg.FallbackConfidence}))

	return &harness{
		svc: New(nlp.NewExtractor(nil), scorer, reg, users, nil, ccfg),
		reg: reg,
	}
}

func TestHandleBlankMessage(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)
	_, err := h.svc.Handle(context.Background(), "1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestHandleRateLimited(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)
	h.svc.sessions = NewSessions(time.Minute, 1, 1)
	ctx := context.Background()

	_, err := h.svc.Handle(ctx, "1", "hello")
	require.NoError(t, err)
	_, err = h.svc.Handle(ctx, "1", "hello")
	assert.ErrorIs(t, err, ErrRateLimited)

	// Limits are per user.
	_, err = h.svc.Handle(ctx, "2", "hello")
	assert.NoError(t, err)
}

func TestGreeting(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)

	reply, err := h.svc.Handle(context.Background(), "1", "Hello there")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentGreeting, reply.Intent.Kind)
	require.NotNil(t, reply.Stats)
	assert.Equal(t, 4, reply.Stats.Count)
	assert.Contains(t, Respond(reply), "Welcome back, Alice Demo User")

	// Unknown users still get a greeting.
	reply, err = h.svc.Handle(context.Background(), "99", "hi")
	require.NoError(t, err)
	assert.Empty(t, reply.Notice)
	assert.Contains(t, Respond(reply), "Welcome to Kestrel")
}

func TestAccountInfo(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)
	ctx := context.Background()

	reply, err := h.svc.Handle(ctx, "1", "show my account info")
	require.NoError(t, err)
	require.NotNil(t, reply.Stats)
	assert.Equal(t, 1, reply.Stats.FraudCount)
	assert.InDelta(t, 25.0, reply.Stats.FraudRate, 1e-9)
	assert.InDelta(t, 720.5, reply.Stats.TotalAmount, 1e-9)
	assert.InDelta(t, 600, reply.Stats.MaxAmount, 1e-9)
	assert.Equal(t, 4, reply.Stats.UniqueMerchants)
	text := Respond(reply)
	assert.Contains(t, text, "alice@example.com")
	assert.Contains(t, text, "$720.50")

	reply, err = h.svc.Handle(ctx, "99", "my account")
	require.NoError(t, err)
	assert.Contains(t, reply.Notice, "couldn't find your account")
}

func TestAccountInfoWithoutStore(t *testing.T) {
	h := newHarness(t, nil, 0.001)
	reply, err := h.svc.Handle(context.Background(), "1", "my account")
	require.NoError(t, err)
	assert.Equal(t, "Account lookups are not available right now.", Respond(reply))
}

func TestScoreCheckFallback(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)
	ctx := context.Background()

	reply, err := h.svc.Handle(ctx, "1", "Check transaction for $500 at Amazon")
	require.NoError(t, err)
	require.NotNil(t, reply.Score)
	res := reply.Score
	assert.True(t, res.Fallback)
	assert.Equal(t, domain.AlgorithmANN+scoring.FallbackSuffix, res.Algorithm)
	assert.Equal(t, domain.DecisionChallenge, res.Decision)
	assert.Equal(t, "review", res.Label)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)

	text := Respond(reply)
	assert.Contains(t, text, "$500.00 at Amazon")
	assert.Contains(t, text, "REQUIRES REVIEW")
	assert.Contains(t, text, "Model Version: n/a")

	reply, err = h.svc.Handle(ctx, "1", "is $50 at Joe's Gadgets ok?")
	require.NoError(t, err)
	assert.Equal(t, domain.UnknownMerchant, reply.Intent.Merchant)
	assert.Equal(t, domain.DecisionBlock, reply.Score.Decision)
	assert.Contains(t, reply.Score.Reasons, "unrecognized merchant")
	assert.Contains(t, Respond(reply), "BLOCKED")
}

func TestScoreCheckTrained(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)
	ctx := context.Background()
	_, err := h.reg.Train(ctx, domain.AlgorithmANN)
	require.NoError(t, err)

	reply, err := h.svc.Handle(ctx, "1", "check $25 at Target")
	require.NoError(t, err)
	res := reply.Score
	require.NotNil(t, res)
	assert.False(t, res.Fallback)
	assert.Equal(t, domain.AlgorithmANN, res.Algorithm)
	assert.Equal(t, "ann-v1", res.ModelVersion)
	assert.Equal(t, domain.DecisionAllow, res.Decision)
	assert.Equal(t, "legitimate", res.Label)
	assert.Contains(t, Respond(reply), "LEGITIMATE")
}

func TestAlgorithmSwitch(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)
	ctx := context.Background()

	reply, err := h.svc.Handle(ctx, "1", "use svm")
	require.NoError(t, err)
	require.NotNil(t, reply.Switch)
	var notTrained *domain.NotTrainedError
	assert.True(t, errors.As(reply.Switch.Err, &notTrained))
	assert.Contains(t, Respond(reply), "POST /train/svm")
	assert.Equal(t, domain.AlgorithmANN, h.reg.Active())

	_, err = h.reg.Train(ctx, domain.AlgorithmSVM)
	require.NoError(t, err)

	reply, err = h.svc.Handle(ctx, "1", "switch to support vector")
	require.NoError(t, err)
	require.NoError(t, reply.Switch.Err)
	assert.Equal(t, domain.AlgorithmSVM, h.reg.Active())
	require.NotNil(t, reply.Switch.Metrics)
	assert.Contains(t, Respond(reply), "Switched to SVM Algorithm")

	sess, ok := h.svc.Sessions().Get("1")
	require.True(t, ok)
	assert.Equal(t, domain.AlgorithmSVM, sess.Algorithm)

	reply, err = h.svc.Handle(ctx, "1", "check $10 at Shell")
	require.NoError(t, err)
	assert.Equal(t, domain.AlgorithmSVM, reply.Score.Algorithm)
}

func TestTransactionHistory(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)
	ctx := context.Background()

	reply, err := h.svc.Handle(ctx, "1", "show my transactions")
	require.NoError(t, err)
	require.Len(t, reply.Transactions, 4)
	assert.Equal(t, "1-01", reply.Transactions[0].ID)

	byID := map[string]domain.FlaggedTransaction{}
	for _, tx := range reply.Transactions {
		byID[tx.ID] = tx
	}
	assert.Equal(t, domain.DecisionChallenge, byID["1-01"].Decision)
	assert.Equal(t, domain.DecisionBlock, byID["1-02"].Decision)
	assert.Equal(t, []string{"unrecognized merchant"}, byID["1-02"].Reasons)
	assert.Equal(t, domain.DecisionChallenge, byID["1-03"].Decision)
	assert.Equal(t, []string{"unusual grocery amount"}, byID["1-03"].Reasons)

	text := Respond(reply)
	assert.Contains(t, text, "Your Last 4 Transactions")
	assert.Contains(t, text, "FRAUD - $20.00 at Joe's Gadgets")

	reply, err = h.svc.Handle(ctx, "1", "last 2 transactions")
	require.NoError(t, err)
	assert.Len(t, reply.Transactions, 2)

	reply, err = h.svc.Handle(ctx, "1", "what was my largest transaction")
	require.NoError(t, err)
	assert.Equal(t, "1-03", reply.Transactions[0].ID)
	assert.Contains(t, Respond(reply), "Your Largest Transaction")

	reply, err = h.svc.Handle(ctx, "1", "smallest transaction")
	require.NoError(t, err)
	assert.Equal(t, "1-04", reply.Transactions[0].ID)
	assert.Contains(t, Respond(reply), "Micro-transactions")

	reply, err = h.svc.Handle(ctx, "1", "transaction summary")
	require.NoError(t, err)
	text = Respond(reply)
	assert.Contains(t, text, "Transaction Analysis")
	assert.Contains(t, text, "Flagged: 1")
}

func TestFraudSummaryIntent(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)

	reply, err := h.svc.Handle(context.Background(), "1", "show fraud cases")
	require.NoError(t, err)
	sum := reply.Summary
	require.NotNil(t, sum)
	assert.Equal(t, 4, sum.TotalTransactions)
	assert.Equal(t, 1, sum.ConfirmedFraud)
	assert.Equal(t, 1, sum.FlaggedNow)
	require.Len(t, sum.Flagged, 2)
	assert.Contains(t, Respond(reply), "Fraud Summary")
}

func TestUnknownListsAlgorithms(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)

	reply, err := h.svc.Handle(context.Background(), "1", "what's the weather")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentUnknown, reply.Intent.Kind)
	require.NotNil(t, reply.Algorithms)
	text := Respond(reply)
	assert.Contains(t, text, "Currently Active**: ANN")
	assert.Contains(t, text, "SVM (Support Vector Machine): Not trained")
}

func TestLookups(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)
	ctx := context.Background()

	user, stats, err := h.svc.UserInfo(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, 4, stats.Count)

	_, _, err = h.svc.UserInfo(ctx, "99")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	txs, err := h.svc.Transactions(ctx, "1", 3)
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	_, err = h.svc.Transactions(ctx, "99", 3)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	sum, err := h.svc.FraudSummary(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", sum.UserID)
	assert.Len(t, sum.Flagged, 2)

	noStore := newHarness(t, nil, 0.001)
	_, err = noStore.svc.FraudSummary(ctx, "1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMessageRenders(t *testing.T) {
	h := newHarness(t, demoStore(), 0.001)
	text, err := h.svc.Message(context.Background(), "1", "help")
	require.NoError(t, err)
	assert.Contains(t, text, "What would you like to try?")
}

func TestStatsEmpty(t *testing.T) {
	st := Stats(nil)
	assert.Equal(t, 0, st.Count)
	assert.Zero(t, st.AvgAmount)
	assert.Zero(t, st.FraudRate)
}
