package model

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8

	// validationFraction of the training rows drives early stopping.
	validationFraction = 0.1
	earlyStopTol       = 1e-4
)

// layer is a dense layer; w is row-major (out x in).
type layer struct {
	in, out int
	w, b    []float64
}

// MLP is a feed-forward neural classifier: ReLU hidden layers and a single
// sigmoid output, trained with mini-batch Adam on log loss.
type MLP struct {
	fitted
	cfg    domain.ModelConfig
	layers []layer
}

// NewMLP creates an untrained network.
func NewMLP(cfg domain.ModelConfig) *MLP {
	return &MLP{fitted: fitted{name: domain.AlgorithmANN}, cfg: cfg}
}

// Name returns the algorithm name.
func (m *MLP) Name() string { return domain.AlgorithmANN }

// Train fits the network and evaluates it on the held-out split.
func (m *MLP) Train(ctx context.Context, split *dataset.Split) (*domain.Metrics, error) {
	start := time.Now()
	x, err := m.fit(split)
	if err != nil {
		return nil, err
	}
	y := split.TrainY

	rng := rand.New(rand.NewPCG(uint64(m.cfg.Seed), 0xa11))
	m.layers = m.initLayers(len(split.Order), rng)

	// Hold back a validation slice for early stopping.
	perm := rng.Perm(len(x))
	nVal := int(float64(len(x)) * validationFraction)
	if len(x) < 20 {
		nVal = 0
	}
	valIdx, trainIdx := perm[:nVal], perm[nVal:]

	epochs := max(1, m.cfg.Epochs)
	batch := max(1, m.cfg.BatchSize)
	lr := m.cfg.LearningRate
	if lr <= 0 {
		lr = 0.001
	}

	opt := newAdam(m.layers)
	grads := newGrads(m.layers)
	best := math.Inf(1)
	bestWeights := m.snapshot()
	stale := 0
	ran := 0

	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("ann training interrupted: %w", err)
		}
		ran++

		rng.Shuffle(len(trainIdx), func(i, j int) { trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i] })
		for lo := 0; lo < len(trainIdx); lo += batch {
			hi := min(lo+batch, len(trainIdx))
			grads.zero()
			for _, i := range trainIdx[lo:hi] {
				m.backprop(x[i], float64(y[i]), grads)
			}
			opt.step(m.layers, grads, float64(hi-lo), lr)
		}

		if nVal == 0 {
			continue
		}
		loss := m.logLoss(x, y, valIdx)
		if loss < best-earlyStopTol {
			best = loss
			bestWeights = m.snapshot()
			stale = 0
			continue
		}
		stale++
		if m.cfg.Patience > 0 && stale >= m.cfg.Patience {
			slog.Debug("ann early stop", "epoch", epoch+1, "val_loss", best)
			break
		}
	}
	if nVal > 0 {
		m.restore(bestWeights)
	}
	m.ready = true

	metrics, err := evaluate(ctx, m.Name(), split, start, func(row []float64) float64 {
		return m.forward(m.scaler.Transform(row))
	})
	if err != nil {
		return nil, err
	}
	metrics.Extras = map[string]float64{"epochs": float64(ran)}
	if nVal > 0 {
		metrics.Extras["val_loss"] = best
	}
	return metrics, nil
}

// PredictProbability returns the fraud probability for vec.
func (m *MLP) PredictProbability(vec domain.FeatureVector) (float64, error) {
	x, err := m.prepare(vec)
	if err != nil {
		return 0, err
	}
	return probability(m.Name(), m.forward(x))
}

func (m *MLP) initLayers(in int, rng *rand.Rand) []layer {
	sizes := append([]int{in}, m.cfg.HiddenLayers...)
	sizes = append(sizes, 1)

	layers := make([]layer, len(sizes)-1)
	for l := range layers {
		fanIn, fanOut := sizes[l], sizes[l+1]
		layers[l] = layer{in: fanIn, out: fanOut, w: make([]float64, fanIn*fanOut), b: make([]float64, fanOut)}
		scale := math.Sqrt(2 / float64(fanIn))
		for i := range layers[l].w {
			layers[l].w[i] = rng.NormFloat64() * scale
		}
	}
	return layers
}

func (m *MLP) forward(x []float64) float64 {
	a := x
	for l, ly := range m.layers {
		next := make([]float64, ly.out)
		for o := 0; o < ly.out; o++ {
			z := ly.b[o]
			row := ly.w[o*ly.in : (o+1)*ly.in]
			for i, v := range a {
				z += row[i] * v
			}
			if l < len(m.layers)-1 {
				z = max(z, 0)
			}
			next[o] = z
		}
		a = next
	}
	return sigmoid(a[0])
}

// backprop accumulates log-loss gradients for one sample into g.
func (m *MLP) backprop(x []float64, y float64, g *grads) {
	acts := make([][]float64, len(m.layers)+1)
	acts[0] = x
	for l, ly := range m.layers {
		next := make([]float64, ly.out)
		for o := 0; o < ly.out; o++ {
			z := ly.b[o]
			row := ly.w[o*ly.in : (o+1)*ly.in]
			for i, v := range acts[l] {
				z += row[i] * v
			}
			if l < len(m.layers)-1 {
				z = max(z, 0)
			}
			next[o] = z
		}
		acts[l+1] = next
	}

	last := len(m.layers) - 1
	delta := []float64{sigmoid(acts[last+1][0]) - y}
	for l := last; l >= 0; l-- {
		ly := m.layers[l]
		in := acts[l]
		for o, d := range delta {
			g.b[l][o] += d
			row := g.w[l][o*ly.in : (o+1)*ly.in]
			for i, v := range in {
				row[i] += d * v
			}
		}
		if l == 0 {
			break
		}
		prev := make([]float64, ly.in)
		for i := range prev {
			if in[i] <= 0 {
				continue // ReLU gradient
			}
			var s float64
			for o, d := range delta {
				s += ly.w[o*ly.in+i] * d
			}
			prev[i] = s
		}
		delta = prev
	}
}

func (m *MLP) logLoss(x [][]float64, y []int, idx []int) float64 {
	const eps = 1e-12
	var loss float64
	for _, i := range idx {
		p := m.forward(x[i])
		if y[i] == 1 {
			loss -= math.Log(p + eps)
		} else {
			loss -= math.Log(1 - p + eps)
		}
	}
	return loss / float64(len(idx))
}

func (m *MLP) snapshot() []layer {
	out := make([]layer, len(m.layers))
	for i, ly := range m.layers {
		out[i] = layer{in: ly.in, out: ly.out, w: append([]float64(nil), ly.w...), b: append([]float64(nil), ly.b...)}
	}
	return out
}

func (m *MLP) restore(snap []layer) {
	m.layers = snap
}

type grads struct {
	w, b [][]float64
}

func newGrads(layers []layer) *grads {
	g := &grads{w: make([][]float64, len(layers)), b: make([][]float64, len(layers))}
	for l, ly := range layers {
		g.w[l] = make([]float64, len(ly.w))
		g.b[l] = make([]float64, len(ly.b))
	}
	return g
}

func (g *grads) zero() {
	for l := range g.w {
		clear(g.w[l])
		clear(g.b[l])
	}
}

type adam struct {
	t      int
	mw, vw [][]float64
	mb, vb [][]float64
}

func newAdam(layers []layer) *adam {
	a := &adam{}
	for _, ly := range layers {
		a.mw = append(a.mw, make([]float64, len(ly.w)))
		a.vw = append(a.vw, make([]float64, len(ly.w)))
		a.mb = append(a.mb, make([]float64, len(ly.b)))
		a.vb = append(a.vb, make([]float64, len(ly.b)))
	}
	return a
}

func (a *adam) step(layers []layer, g *grads, n, lr float64) {
	a.t++
	c1 := 1 - math.Pow(adamBeta1, float64(a.t))
	c2 := 1 - math.Pow(adamBeta2, float64(a.t))
	update := func(p, grad, mom, vel []float64) {
		for i := range p {
			gi := grad[i] / n
			mom[i] = adamBeta1*mom[i] + (1-adamBeta1)*gi
			vel[i] = adamBeta2*vel[i] + (1-adamBeta2)*gi*gi
			p[i] -= lr * (mom[i] / c1) / (math.Sqrt(vel[i]/c2) + adamEpsilon)
		}
	}
	for l := range layers {
		update(layers[l].w, g.w[l], a.mw[l], a.vw[l])
		update(layers[l].b, g.b[l], a.mb[l], a.vb[l])
	}
}
