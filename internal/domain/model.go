package domain

import "time"

// Algorithm scoring algorithm names. The set is fixed at compile time.
const (
	AlgorithmANN = "ann"
	AlgorithmSVM = "svm"
	AlgorithmKNN = "knn"
)

// Algorithms lists every supported algorithm in display order.
var Algorithms = []string{AlgorithmANN, AlgorithmSVM, AlgorithmKNN}

// IsAlgorithm reports whether name belongs to the fixed algorithm set.
func IsAlgorithm(name string) bool {
	for _, a := range Algorithms {
		if a == name {
			return true
		}
	}
	return false
}

// ConfusionMatrix counts held-out predictions at the 0.5 probability cut.
type ConfusionMatrix struct {
	TN int `json:"tn"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TP int `json:"tp"`
}

// Metrics is the evaluation of one training run on held-out data.
// A training run always replaces the whole value.
type Metrics struct {
	Algorithm string  `json:"algorithm"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1_score"`
	ROCAUC    float64 `json:"roc_auc"`
	PRAUC     float64 `json:"pr_auc"`

	ConfusionMatrix ConfusionMatrix `json:"confusion_matrix"`

	NTrain int `json:"n_train"`
	NTest  int `json:"n_test"`
	NFraud int `json:"n_fraud"`
	NValid int `json:"n_valid"`

	// Algorithm-specific details (epochs run, neighbours, margin scale...).
	Extras map[string]float64 `json:"extras,omitempty"`

	TrainedAt  time.Time `json:"trained_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Decision is the discrete action taken for a transaction.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionChallenge Decision = "challenge"
	DecisionBlock     Decision = "block"
)

// ReasonModelConfident is appended when combined risk is near 0 or 1.
const ReasonModelConfident = "model confidence high"

// MaxReasons bounds the reasons carried by a ScoreResult.
const MaxReasons = 3

// ScoreResult is the full outcome of scoring one transaction.
type ScoreResult struct {
	ID           string   `json:"id"`
	Score        float64  `json:"score"`
	ModelScore   float64  `json:"model_score"`
	OverlayDelta float64  `json:"overlay_delta"`
	Decision     Decision `json:"decision"`
	Label        string   `json:"label"`
	Confidence   float64  `json:"confidence"`
	Algorithm    string   `json:"algorithm"`
	ModelVersion string   `json:"model_version"`
	Policy       string   `json:"policy"`
	Reasons      []string `json:"reasons"`
	Cached       bool     `json:"cached"`

	// Fallback is set when no trained model was available and the
	// configured base score was used instead.
	Fallback bool `json:"fallback,omitempty"`
}

// DecisionRecord is the audit entry persisted for every scored decision.
type DecisionRecord struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"` // "api" or "chat"
	Score        float64   `json:"score"`
	ModelScore   float64   `json:"model_score"`
	Decision     Decision  `json:"decision"`
	Algorithm    string    `json:"algorithm"`
	ModelVersion string    `json:"model_version"`
	Policy       string    `json:"policy"`
	Reasons      []string  `json:"reasons"`
	Amount       float64   `json:"amount"`
	Merchant     string    `json:"merchant,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewDecisionRecord builds the audit entry for a scored record.
func NewDecisionRecord(source string, rec *TransactionRecord, res *ScoreResult) *DecisionRecord {
	return &DecisionRecord{
		ID:           res.ID,
		Source:       source,
		Score:        res.Score,
		ModelScore:   res.ModelScore,
		Decision:     res.Decision,
		Algorithm:    res.Algorithm,
		ModelVersion: res.ModelVersion,
		Policy:       res.Policy,
		Reasons:      res.Reasons,
		Amount:       rec.Amount,
		Merchant:     rec.Merchant,
		CreatedAt:    time.Now().UTC(),
	}
}
