package model

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Threshold is the probability cut used for the confusion matrix.
const Threshold = 0.5

// Evaluate computes held-out metrics from true labels and predicted
// probabilities. Undefined ratios are reported as zero.
func Evaluate(algorithm string, yTrue []int, probs []float64) *domain.Metrics {
	m := &domain.Metrics{Algorithm: algorithm, NTest: len(yTrue)}

	var cm domain.ConfusionMatrix
	for i, y := range yTrue {
		pred := probs[i] >= Threshold
		switch {
		case y == 1 && pred:
			cm.TP++
		case y == 1:
			cm.FN++
		case pred:
			cm.FP++
		default:
			cm.TN++
		}
	}
	m.ConfusionMatrix = cm
	m.NFraud = cm.TP + cm.FN
	m.NValid = cm.TN + cm.FP

	m.Accuracy = ratio(cm.TP+cm.TN, len(yTrue))
	m.Precision = ratio(cm.TP, cm.TP+cm.FP)
	m.Recall = ratio(cm.TP, cm.TP+cm.FN)
	if m.Precision+m.Recall > 0 {
		m.F1Score = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}

	m.ROCAUC = rocAUC(yTrue, probs)
	m.PRAUC = averagePrecision(yTrue, probs)
	return m
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

type scored struct {
	p float64
	y int
}

func sortedDesc(yTrue []int, probs []float64) []scored {
	s := make([]scored, len(yTrue))
	for i := range yTrue {
		s[i] = scored{p: probs[i], y: yTrue[i]}
	}
	sort.SliceStable(s, func(i, j int) bool { return s[i].p > s[j].p })
	return s
}

// rocAUC is the Mann-Whitney statistic with tied scores counted as one half.
func rocAUC(yTrue []int, probs []float64) float64 {
	s := sortedDesc(yTrue, probs)

	var pos, neg int
	for _, v := range s {
		if v.y == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0
	}

	// Walk groups of equal score from the highest down, counting how many
	// negatives rank below each positive.
	var wins float64
	negBelow := neg
	for i := 0; i < len(s); {
		var gPos, gNeg int
		j := i
		for {
			if s[j].y == 1 {
				gPos++
			} else {
				gNeg++
			}
			j++
			if j == len(s) || s[j].p != s[i].p {
				break
			}
		}
		negBelow -= gNeg
		wins += float64(gPos) * (float64(negBelow) + 0.5*float64(gNeg))
		i = j
	}
	return wins / float64(pos*neg)
}

// averagePrecision summarises the precision-recall curve as the mean of
// precision at each threshold weighted by the recall gained there.
func averagePrecision(yTrue []int, probs []float64) float64 {
	s := sortedDesc(yTrue, probs)

	pos := 0
	for _, v := range s {
		pos += v.y
	}
	if pos == 0 {
		return 0
	}

	var ap float64
	var tp, seen int
	prevRecall := 0.0
	for i := 0; i < len(s); {
		j := i
		for {
			tp += s[j].y
			seen++
			j++
			if j == len(s) || s[j].p != s[i].p {
				break
			}
		}
		recall := float64(tp) / float64(pos)
		precision := float64(tp) / float64(seen)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
		i = j
	}
	return ap
}
