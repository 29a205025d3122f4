package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(context.Background(), domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "audit.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 3 {
			t.Errorf("expected 3 subscriptions, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("PersistsDecision", func(t *testing.T) {
		repo := newRepo(t)
		w := NewWorker(eventBus, repo)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		rec := domain.DecisionRecord{
			ID:           "dec-001",
			Source:       "api",
			Score:        0.72,
			ModelScore:   0.72,
			Decision:     domain.DecisionBlock,
			Algorithm:    domain.AlgorithmANN,
			ModelVersion: "ann-v1",
			Policy:       "standard",
			Reasons:      []string{},
			Amount:       900,
			CreatedAt:    time.Now().UTC(),
		}
		payload, _ := json.Marshal(rec)
		if err := eventBus.Publish(context.Background(), domain.TopicDecision, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		var got *domain.DecisionRecord
		ok := eventually(t, func() bool {
			d, err := repo.GetDecision(context.Background(), "dec-001")
			if err != nil {
				return false
			}
			got = d
			return true
		})
		if !ok {
			t.Fatal("expected decision to be persisted")
		}
		if got.Decision != domain.DecisionBlock || got.Source != "api" {
			t.Errorf("unexpected stored decision: %+v", got)
		}
		if s := w.GetStats(); s.Saved != 1 {
			t.Errorf("expected 1 saved, got %d", s.Saved)
		}
	})

	t.Run("InvalidPayload", func(t *testing.T) {
		w := NewWorker(eventBus, newRepo(t))
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		eventBus.Publish(context.Background(), domain.TopicDecision, []byte("{not json"))

		if !eventually(t, func() bool { return w.GetStats().Failed == 1 }) {
			t.Error("expected invalid payload to be counted as failed")
		}
	})

	t.Run("ModelEventsIgnoredByLog", func(t *testing.T) {
		repo := newRepo(t)
		w := NewWorker(eventBus, repo)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(domain.ModelEvent{Algorithm: domain.AlgorithmSVM, ModelVersion: "svm-v1"})
		eventBus.Publish(context.Background(), domain.TopicModelTrained, payload)
		time.Sleep(50 * time.Millisecond)

		n, err := repo.CountDecisions(context.Background())
		if err != nil {
			t.Fatalf("CountDecisions failed: %v", err)
		}
		if n != 0 {
			t.Errorf("model events must not be stored as decisions, got %d", n)
		}
		if s := w.GetStats(); s.Saved != 0 || s.Failed != 0 {
			t.Errorf("unexpected stats: %+v", s)
		}
	})
}
