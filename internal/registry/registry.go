// Package registry owns the fixed set of scoring algorithms, their fitted
// models and metrics, and which one is active.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Listing is the read-only view returned by List.
type Listing struct {
	All     []string `json:"algorithms"`
	Trained []string `json:"available"`
	Active  string   `json:"active"`
}

// Prediction is a raw model probability and the model that produced it.
type Prediction struct {
	Probability  float64
	Algorithm    string
	ModelVersion string
}

// AdapterFactory builds a fresh untrained adapter.
type AdapterFactory func(name string, cfg domain.ModelConfig) (model.Adapter, error)

// fittedState is published whole; readers never see a partial update.
type fittedState struct {
	adapter   model.Adapter
	metrics   *domain.Metrics
	version   string
	trainedAt time.Time
}

type entry struct {
	name string

	// trainMu serialises trainings of this algorithm only.
	trainMu    sync.Mutex
	generation int

	state atomic.Pointer[fittedState]
}

// Registry holds every algorithm entry and the active selection.
type Registry struct {
	cfg     domain.ModelConfig
	loader  *dataset.Loader
	bus     domain.EventBus
	factory AdapterFactory

	entries map[string]*entry
	active  atomic.Pointer[string]

	// selectMu makes check-then-swap of active atomic across Select and the
	// promotion done by Train.
	selectMu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithEventBus publishes training and selection events to bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithAdapterFactory replaces the default model.New factory.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(r *Registry) { r.factory = f }
}

// New creates a registry with every algorithm untrained and the configured
// default algorithm active.
func New(cfg domain.ModelConfig, loader *dataset.Loader, opts ...Option) *Registry {
	if loader == nil {
		loader = dataset.NewLoader()
	}
	r := &Registry{
		cfg:     cfg,
		loader:  loader,
		factory: model.New,
		entries: make(map[string]*entry, len(domain.Algorithms)),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, name := range domain.Algorithms {
		r.entries[name] = &entry{name: name}
	}

	active := cfg.DefaultAlgorithm
	if !domain.IsAlgorithm(active) {
		active = domain.AlgorithmANN
	}
	r.active.Store(&active)
	telemetry.SetActive(active, domain.Algorithms)
	return r
}

// Active returns the active algorithm name.
func (r *Registry) Active() string {
	return *r.active.Load()
}

// List returns every algorithm, the trained subset and the active one.
func (r *Registry) List() Listing {
	l := Listing{
		All:     append([]string(nil), domain.Algorithms...),
		Trained: []string{},
		Active:  r.Active(),
	}
	for _, name := range domain.Algorithms {
		if r.entries[name].state.Load() != nil {
			l.Trained = append(l.Trained, name)
		}
	}
	return l
}

// Train fits a fresh adapter for name on the reference dataset and replaces
// the entry's state. Scoring keeps using the previous model until the new
// one is published.
func (r *Registry) Train(ctx context.Context, name string) (*domain.Metrics, error) {
	e, err := r.entry(name)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "registry.train", telemetry.Algorithm(name))
	defer span.End()

	e.trainMu.Lock()
	defer e.trainMu.Unlock()

	start := time.Now()
	metrics, adapter, err := r.fit(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.TrainingsTotal.WithLabelValues(name, "error").Inc()
		slog.Error("training failed", "algorithm", name, "error", err)
		return nil, err
	}

	e.generation++
	st := &fittedState{
		adapter:   adapter,
		metrics:   metrics,
		version:   fmt.Sprintf("%s-v%d", name, e.generation),
		trainedAt: metrics.TrainedAt,
	}
	e.state.Store(st)
	r.promote(name)

	elapsed := time.Since(start)
	telemetry.TrainingsTotal.WithLabelValues(name, "success").Inc()
	telemetry.TrainingDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	telemetry.ModelROCAUC.WithLabelValues(name).Set(metrics.ROCAUC)
	span.SetAttributes(
		attribute.String("kestrel.model_version", st.version),
		attribute.Float64("kestrel.roc_auc", metrics.ROCAUC),
	)

	slog.Info("model trained",
		"algorithm", name,
		"model_version", st.version,
		"accuracy", metrics.Accuracy,
		"precision", metrics.Precision,
		"recall", metrics.Recall,
		"f1", metrics.F1Score,
		"roc_auc", metrics.ROCAUC,
		"n_train", metrics.NTrain,
		"n_test", metrics.NTest,
		"duration_ms", elapsed.Milliseconds(),
	)

	r.publish(ctx, domain.TopicModelTrained, domain.ModelEvent{
		Algorithm:    name,
		ModelVersion: st.version,
		Metrics:      metrics,
	})
	return metrics, nil
}

func (r *Registry) fit(ctx context.Context, name string) (*domain.Metrics, model.Adapter, error) {
	ds, err := r.loader.Load(ctx, r.cfg.DatasetPath)
	if err != nil {
		return nil, nil, err
	}

	testSize := r.cfg.TestSize
	if testSize <= 0 {
		testSize = 0.2
	}
	split, err := dataset.StratifiedSplit(ds, testSize, r.cfg.Seed)
	if err != nil {
		return nil, nil, fmt.Errorf("split dataset: %w", err)
	}

	adapter, err := r.factory(name, r.cfg)
	if err != nil {
		return nil, nil, err
	}
	metrics, err := adapter.Train(ctx, split)
	if err != nil {
		return nil, nil, fmt.Errorf("train %s: %w", name, err)
	}
	metrics.Algorithm = name
	return metrics, adapter, nil
}

// promote makes name active when the current active algorithm has never been
// trained, so active is always trained once any training has succeeded.
func (r *Registry) promote(name string) {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	current := r.Active()
	if r.entries[current].state.Load() != nil {
		return
	}
	r.active.Store(&name)
	telemetry.SetActive(name, domain.Algorithms)
	slog.Info("active algorithm promoted", "algorithm", name, "previous", current)
}

// Select makes name the active algorithm.
func (r *Registry) Select(ctx context.Context, name string) error {
	e, err := r.entry(name)
	if err != nil {
		return err
	}

	r.selectMu.Lock()
	st := e.state.Load()
	if st == nil {
		r.selectMu.Unlock()
		return &domain.NotTrainedError{Algorithm: name}
	}
	previous := r.Active()
	r.active.Store(&name)
	r.selectMu.Unlock()

	telemetry.SetActive(name, domain.Algorithms)
	slog.Info("active algorithm selected", "algorithm", name, "previous", previous)

	r.publish(ctx, domain.TopicModelSelected, domain.ModelEvent{
		Algorithm:    name,
		ModelVersion: st.version,
		Previous:     previous,
	})
	return nil
}

// Metrics returns the last training metrics of name, or of the active
// algorithm when name is empty.
func (r *Registry) Metrics(name string) (*domain.Metrics, error) {
	if name == "" {
		name = r.Active()
	}
	e, err := r.entry(name)
	if err != nil {
		return nil, err
	}
	st := e.state.Load()
	if st == nil {
		return nil, &domain.NotTrainedError{Algorithm: name}
	}
	return st.metrics, nil
}

// Score returns the fraud probability of vec under name, or under the active
// algorithm when name is empty.
func (r *Registry) Score(vec domain.FeatureVector, name string) (Prediction, error) {
	if name == "" {
		name = r.Active()
	}
	e, err := r.entry(name)
	if err != nil {
		return Prediction{}, err
	}
	st := e.state.Load()
	if st == nil {
		return Prediction{}, &domain.ModelNotReadyError{Algorithm: name}
	}

	p, err := st.adapter.PredictProbability(vec)
	if err != nil {
		return Prediction{}, fmt.Errorf("score with %s: %w", name, err)
	}
	return Prediction{Probability: p, Algorithm: name, ModelVersion: st.version}, nil
}

// Version returns the model version currently published for name.
func (r *Registry) Version(name string) (string, error) {
	if name == "" {
		name = r.Active()
	}
	e, err := r.entry(name)
	if err != nil {
		return "", err
	}
	st := e.state.Load()
	if st == nil {
		return "", &domain.ModelNotReadyError{Algorithm: name}
	}
	return st.version, nil
}

// Trained reports whether name has a fitted model.
func (r *Registry) Trained(name string) bool {
	e, ok := r.entries[name]
	return ok && e.state.Load() != nil
}

func (r *Registry) entry(name string) (*entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, &domain.UnknownAlgorithmError{Algorithm: name}
	}
	return e, nil
}

func (r *Registry) publish(ctx context.Context, topic string, ev domain.ModelEvent) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to encode model event", "topic", topic, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish model event", "topic", topic, "error", err)
	}
}
