// Package features turns raw transaction fields into the fixed-order numeric
// vector shared by every scoring algorithm.
package features

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SyntheticTime is the Time value used when only amount and merchant are known.
const SyntheticTime = 10000

// MaxAmount bounds accepted transaction amounts.
const MaxAmount = 1e9

// Build validates a record and returns its feature vector.
func Build(rec *domain.TransactionRecord) (domain.FeatureVector, error) {
	if rec == nil {
		return domain.FeatureVector{}, &domain.ValidationError{Reason: "transaction is required"}
	}
	if !finite(rec.Time) {
		return domain.FeatureVector{}, &domain.ValidationError{Field: "Time", Reason: "must be a finite number"}
	}
	if !finite(rec.Amount) {
		return domain.FeatureVector{}, &domain.ValidationError{Field: "Amount", Reason: "must be a finite number"}
	}
	if rec.Amount < 0 {
		return domain.FeatureVector{}, &domain.ValidationError{Field: "Amount", Reason: "must be >= 0"}
	}
	if rec.Amount > MaxAmount {
		return domain.FeatureVector{}, &domain.ValidationError{Field: "Amount", Reason: "exceeds maximum"}
	}
	for i, v := range rec.V {
		if !finite(v) {
			return domain.FeatureVector{}, &domain.ValidationError{
				Field:  fmt.Sprintf("V%d", i+1),
				Reason: "must be a finite number",
			}
		}
	}

	return domain.FeatureVector{
		Values: rec.Values(),
		Order:  domain.FeatureNames,
	}, nil
}

// Synthetic builds the record used by the chat path, where only amount and
// merchant are known: Time is fixed and every V-feature is zero.
func Synthetic(amount float64, merchant string) *domain.TransactionRecord {
	return &domain.TransactionRecord{
		Time:     SyntheticTime,
		Amount:   amount,
		Merchant: merchant,
	}
}

// FromPayload converts a flattened JSON body into a record. Every numeric
// field (Time, Amount, V1..V28) is required.
func FromPayload(payload map[string]any) (*domain.TransactionRecord, error) {
	if payload == nil {
		return nil, &domain.ValidationError{Reason: "request body is required"}
	}

	rec := &domain.TransactionRecord{}
	var err error
	if rec.Time, err = number(payload, "Time"); err != nil {
		return nil, err
	}
	if rec.Amount, err = number(payload, "Amount"); err != nil {
		return nil, err
	}
	for i := range rec.V {
		if rec.V[i], err = number(payload, fmt.Sprintf("V%d", i+1)); err != nil {
			return nil, err
		}
	}

	if rec.Merchant, err = text(payload, "merchant"); err != nil {
		return nil, err
	}
	if rec.Category, err = text(payload, "category"); err != nil {
		return nil, err
	}
	return rec, nil
}

// Check verifies that a vector matches the order an algorithm was trained with.
func Check(vec domain.FeatureVector, order []string) error {
	if len(vec.Values) != len(order) || !slices.Equal(vec.Order, order) {
		return fmt.Errorf("%w: got %d features, want %d", domain.ErrFeatureOrder, len(vec.Values), len(order))
	}
	return nil
}

func number(payload map[string]any, field string) (float64, error) {
	raw, ok := payload[field]
	if !ok || raw == nil {
		return 0, &domain.ValidationError{Field: field, Reason: "is required"}
	}

	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, &domain.ValidationError{Field: field, Reason: "must be numeric"}
		}
		f = parsed
	default:
		return 0, &domain.ValidationError{Field: field, Reason: "must be numeric"}
	}

	if !finite(f) {
		return 0, &domain.ValidationError{Field: field, Reason: "must be a finite number"}
	}
	return f, nil
}

func text(payload map[string]any, field string) (string, error) {
	raw, ok := payload[field]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &domain.ValidationError{Field: field, Reason: "must be a string"}
	}
	return strings.TrimSpace(s), nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
