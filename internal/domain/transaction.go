package domain

import "fmt"

// NumAnonymizedFeatures is the number of PCA components (V1..V28) carried by
// every card transaction.
const NumAnonymizedFeatures = 28

// NumFeatures is the length of a FeatureVector: Time, V1..V28, Amount.
const NumFeatures = NumAnonymizedFeatures + 2

// FeatureNames is the canonical column order shared by every algorithm.
var FeatureNames = buildFeatureNames()

func buildFeatureNames() []string {
	names := make([]string, 0, NumFeatures)
	names = append(names, "Time")
	for i := 1; i <= NumAnonymizedFeatures; i++ {
		names = append(names, fmt.Sprintf("V%d", i))
	}
	return append(names, "Amount")
}

// TransactionRecord is a single card transaction submitted for scoring.
// It is built once per request and never mutated afterwards.
type TransactionRecord struct {
	Time   float64                       `json:"Time"`
	Amount float64                       `json:"Amount"`
	V      [NumAnonymizedFeatures]float64 `json:"-"`

	// Optional merchant metadata used by the business-rule overlay.
	Merchant string `json:"merchant,omitempty"`
	Category string `json:"category,omitempty"`
}

// HasMerchant reports whether merchant metadata was supplied.
func (r *TransactionRecord) HasMerchant() bool {
	return r.Merchant != ""
}

// Values returns the record's numeric fields in FeatureNames order.
func (r *TransactionRecord) Values() []float64 {
	vals := make([]float64, 0, NumFeatures)
	vals = append(vals, r.Time)
	vals = append(vals, r.V[:]...)
	return append(vals, r.Amount)
}

// FeatureVector is the ordered numeric input of a model.
type FeatureVector struct {
	Values []float64 `json:"values"`
	Order  []string  `json:"order"`
}

// Len returns the number of features.
func (v FeatureVector) Len() int {
	return len(v.Values)
}
