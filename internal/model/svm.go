package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// SVM is a linear soft-margin classifier trained with Pegasos. Margins are
// mapped to probabilities with Platt scaling fitted on the training rows.
type SVM struct {
	fitted
	cfg domain.ModelConfig

	w []float64 // last element is the bias
	// Platt parameters: p = sigmoid(a*margin + b)
	a, b float64
}

// NewSVM creates an untrained classifier.
func NewSVM(cfg domain.ModelConfig) *SVM {
	return &SVM{fitted: fitted{name: domain.AlgorithmSVM}, cfg: cfg}
}

// Name returns the algorithm name.
func (s *SVM) Name() string { return domain.AlgorithmSVM }

// Train fits the hyperplane, calibrates it, and evaluates on held-out rows.
func (s *SVM) Train(ctx context.Context, split *dataset.Split) (*domain.Metrics, error) {
	start := time.Now()
	x, err := s.fit(split)
	if err != nil {
		return nil, err
	}

	lambda := s.cfg.SVMLambda
	if lambda <= 0 {
		lambda = 1e-4
	}
	epochs := max(1, s.cfg.SVMEpochs)
	radius := 1 / math.Sqrt(lambda)

	rng := rand.New(rand.NewPCG(uint64(s.cfg.Seed), 0x5e1))
	s.w = make([]float64, len(split.Order)+1)
	order := rng.Perm(len(x))

	t := 0
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("svm training interrupted: %w", err)
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, i := range order {
			t++
			eta := 1 / (lambda * float64(t))
			yi := label(split.TrainY[i])
			margin := yi * s.raw(x[i])

			decay := 1 - eta*lambda
			for j := range s.w {
				s.w[j] *= decay
			}
			if margin < 1 {
				for j, v := range x[i] {
					s.w[j] += eta * yi * v
				}
				s.w[len(s.w)-1] += eta * yi
			}

			// Project onto the ball of radius 1/sqrt(lambda).
			if norm := l2(s.w); norm > radius {
				scale := radius / norm
				for j := range s.w {
					s.w[j] *= scale
				}
			}
		}
	}

	margins := make([]float64, len(x))
	for i, row := range x {
		margins[i] = s.raw(row)
	}
	s.a, s.b = plattFit(margins, split.TrainY)
	s.ready = true

	metrics, err := evaluate(ctx, s.Name(), split, start, func(row []float64) float64 {
		return s.calibrated(s.scaler.Transform(row))
	})
	if err != nil {
		return nil, err
	}
	metrics.Extras = map[string]float64{
		"platt_a": s.a,
		"platt_b": s.b,
		"norm":    l2(s.w),
	}
	return metrics, nil
}

// PredictProbability returns the calibrated fraud probability for vec.
func (s *SVM) PredictProbability(vec domain.FeatureVector) (float64, error) {
	x, err := s.prepare(vec)
	if err != nil {
		return 0, err
	}
	return probability(s.Name(), s.calibrated(x))
}

func (s *SVM) raw(x []float64) float64 {
	z := s.w[len(s.w)-1]
	for j, v := range x {
		z += s.w[j] * v
	}
	return z
}

func (s *SVM) calibrated(x []float64) float64 {
	return sigmoid(s.a*s.raw(x) + s.b)
}

func label(y int) float64 {
	if y == 1 {
		return 1
	}
	return -1
}

func l2(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

// plattFit fits p = sigmoid(a*f + b) by Newton's method on smoothed targets,
// backtracking whenever a step does not lower the loss.
func plattFit(f []float64, y []int) (a, b float64) {
	var pos, neg float64
	for _, yi := range y {
		if yi == 1 {
			pos++
		} else {
			neg++
		}
	}
	hi := (pos + 1) / (pos + 2)
	lo := 1 / (neg + 2)
	target := make([]float64, len(y))
	for i, yi := range y {
		if yi == 1 {
			target[i] = hi
		} else {
			target[i] = lo
		}
	}

	loss := func(a, b float64) float64 {
		var l float64
		for i, fi := range f {
			z := a*fi + b
			// log(1+exp(z)) - t*z, computed stably
			if z > 0 {
				l += z + math.Log1p(math.Exp(-z)) - target[i]*z
			} else {
				l += math.Log1p(math.Exp(z)) - target[i]*z
			}
		}
		return l
	}

	a, b = 1, math.Log((pos+1)/(neg+1))
	cur := loss(a, b)
	for iter := 0; iter < 100; iter++ {
		var ga, gb, haa, hab, hbb float64
		for i, fi := range f {
			p := sigmoid(a*fi + b)
			d := p - target[i]
			ga += d * fi
			gb += d
			w := max(p*(1-p), 1e-12)
			haa += w * fi * fi
			hab += w * fi
			hbb += w
		}
		haa += 1e-12
		hbb += 1e-12
		det := haa*hbb - hab*hab
		if det == 0 || (math.Abs(ga) < 1e-6 && math.Abs(gb) < 1e-6) {
			break
		}
		da := (hbb*ga - hab*gb) / det
		db := (haa*gb - hab*ga) / det

		step := 1.0
		for step > 1e-8 {
			na, nb := a-step*da, b-step*db
			if l := loss(na, nb); l < cur {
				a, b, cur = na, nb, l
				break
			}
			step /= 2
		}
		if step <= 1e-8 {
			break
		}
	}
	return a, b
}
