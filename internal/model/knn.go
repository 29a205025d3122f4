package model

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// KNN is a distance-weighted k-nearest-neighbour classifier over a capped,
// stratified sample of the training rows.
type KNN struct {
	fitted
	cfg domain.ModelConfig

	k    int
	refX [][]float64 // scaled
	refY []int
}

// NewKNN creates an untrained classifier.
func NewKNN(cfg domain.ModelConfig) *KNN {
	return &KNN{fitted: fitted{name: domain.AlgorithmKNN}, cfg: cfg}
}

// Name returns the algorithm name.
func (k *KNN) Name() string { return domain.AlgorithmKNN }

// Train stores the reference set and evaluates on held-out rows.
func (k *KNN) Train(ctx context.Context, split *dataset.Split) (*domain.Metrics, error) {
	start := time.Now()
	x, err := k.fit(split)
	if err != nil {
		return nil, err
	}

	k.k = k.cfg.Neighbors
	if k.k <= 0 {
		k.k = 5
	}
	k.refX, k.refY = capStratified(x, split.TrainY, k.cfg.KNNReference, k.cfg.Seed)
	k.k = min(k.k, len(k.refY))
	k.ready = true

	metrics, err := evaluate(ctx, k.Name(), split, start, func(row []float64) float64 {
		return k.vote(k.scaler.Transform(row))
	})
	if err != nil {
		return nil, err
	}
	metrics.Extras = map[string]float64{
		"neighbors": float64(k.k),
		"reference": float64(len(k.refY)),
	}
	return metrics, nil
}

// PredictProbability returns the weighted share of fraud neighbours.
func (k *KNN) PredictProbability(vec domain.FeatureVector) (float64, error) {
	x, err := k.prepare(vec)
	if err != nil {
		return 0, err
	}
	return probability(k.Name(), k.vote(x))
}

type neighbor struct {
	dist float64
	y    int
}

func (k *KNN) vote(x []float64) float64 {
	nearest := make([]neighbor, 0, k.k+1)
	for i, ref := range k.refX {
		var d float64
		for j, v := range ref {
			diff := v - x[j]
			d += diff * diff
		}
		if len(nearest) == k.k && d >= nearest[len(nearest)-1].dist {
			continue
		}
		// Insertion keeps nearest sorted by distance.
		pos := len(nearest)
		for pos > 0 && nearest[pos-1].dist > d {
			pos--
		}
		nearest = append(nearest, neighbor{})
		copy(nearest[pos+1:], nearest[pos:])
		nearest[pos] = neighbor{dist: d, y: k.refY[i]}
		if len(nearest) > k.k {
			nearest = nearest[:k.k]
		}
	}

	// Exact matches take all the weight.
	var exact, exactFraud int
	for _, n := range nearest {
		if n.dist == 0 {
			exact++
			exactFraud += n.y
		}
	}
	if exact > 0 {
		return float64(exactFraud) / float64(exact)
	}

	var total, fraud float64
	for _, n := range nearest {
		w := 1 / math.Sqrt(n.dist)
		total += w
		fraud += w * float64(n.y)
	}
	if total == 0 {
		return 0
	}
	return fraud / total
}

// capStratified keeps at most limit rows, sampling each class in proportion.
func capStratified(x [][]float64, y []int, limit int, seed int64) ([][]float64, []int) {
	if limit <= 0 || len(y) <= limit {
		return x, y
	}

	var byClass [2][]int
	for i, yi := range y {
		byClass[yi] = append(byClass[yi], i)
	}

	rng := rand.New(rand.NewPCG(uint64(seed), 0x6a1))
	outX := make([][]float64, 0, limit)
	outY := make([]int, 0, limit)
	for _, idx := range byClass {
		keep := int(math.Round(float64(len(idx)) * float64(limit) / float64(len(y))))
		keep = max(min(keep, len(idx)), min(1, len(idx)))
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for _, i := range idx[:keep] {
			outX = append(outX, x[i])
			outY = append(outY, y[i])
		}
	}
	return outX, outY
}
