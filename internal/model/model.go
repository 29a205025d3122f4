// Package model implements the interchangeable fraud classifiers behind a
// single Adapter contract.
package model

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// Adapter is a trainable binary classifier.
// Train is called once per adapter; PredictProbability is safe for
// concurrent use after Train returns.
type Adapter interface {
	Name() string
	Train(ctx context.Context, split *dataset.Split) (*domain.Metrics, error)
	PredictProbability(vec domain.FeatureVector) (float64, error)
}

// New builds a fresh, untrained adapter for the named algorithm.
func New(name string, cfg domain.ModelConfig) (Adapter, error) {
	switch name {
	case domain.AlgorithmANN:
		return NewMLP(cfg), nil
	case domain.AlgorithmSVM:
		return NewSVM(cfg), nil
	case domain.AlgorithmKNN:
		return NewKNN(cfg), nil
	default:
		return nil, &domain.UnknownAlgorithmError{Algorithm: name}
	}
}

// fitted holds the state every adapter captures at train time.
type fitted struct {
	name   string
	scaler *dataset.Scaler
	order  []string
	ready  bool
}

func (f *fitted) fit(split *dataset.Split) ([][]float64, error) {
	if split == nil || len(split.TrainX) == 0 {
		return nil, fmt.Errorf("%s: empty training split", f.name)
	}
	f.order = append([]string(nil), split.Order...)
	f.scaler = dataset.FitScaler(split.TrainX)
	return f.scaler.TransformAll(split.TrainX), nil
}

func (f *fitted) prepare(vec domain.FeatureVector) ([]float64, error) {
	if !f.ready {
		return nil, &domain.ModelNotReadyError{Algorithm: f.name}
	}
	if err := features.Check(vec, f.order); err != nil {
		return nil, err
	}
	return f.scaler.Transform(vec.Values), nil
}

// evaluate scores the held-out split in parallel and computes metrics.
// predict receives unscaled rows.
func evaluate(ctx context.Context, name string, split *dataset.Split, start time.Time, predict func([]float64) float64) (*domain.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	probs := make([]float64, len(split.TestX))

	g, ctx := errgroup.WithContext(ctx)
	workers := runtime.GOMAXPROCS(0)
	chunk := (len(probs) + workers - 1) / workers
	for lo := 0; lo < len(probs); lo += chunk {
		hi := min(lo+chunk, len(probs))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if i%512 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				p := predict(split.TestX[i])
				if !finite(p) {
					return fmt.Errorf("%s: held-out row %d: %w", name, i, domain.ErrNonFiniteScore)
				}
				probs[i] = p
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := Evaluate(name, split.TestY, probs)
	m.NTrain = len(split.TrainY)
	m.TrainedAt = time.Now().UTC()
	m.DurationMs = time.Since(start).Milliseconds()
	return m, nil
}

func finite(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0)
}

// probability bounds a raw model output to [0, 1]. A NaN output is an error
// so that it can never read as "allow".
func probability(name string, p float64) (float64, error) {
	if math.IsNaN(p) {
		return 0, fmt.Errorf("%s: %w", name, domain.ErrNonFiniteScore)
	}
	return min(max(p, 0), 1), nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
