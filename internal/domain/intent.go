package domain

// IntentKind classifies a chatbot message.
type IntentKind string

const (
	IntentGreeting           IntentKind = "greeting"
	IntentAccountInfo        IntentKind = "account_info"
	IntentTransactionHistory IntentKind = "transaction_history"
	IntentScoreCheck         IntentKind = "score_check"
	IntentAlgorithmSwitch    IntentKind = "algorithm_switch"
	IntentFraudSummary       IntentKind = "fraud_summary"
	IntentUnknown            IntentKind = "unknown"
)

// UnknownMerchant is the merchant slot value when no known merchant is named.
const UnknownMerchant = "unknown"

// HistoryView selects how a transaction history is rendered.
type HistoryView string

const (
	HistoryList     HistoryView = "list"
	HistoryLargest  HistoryView = "largest"
	HistorySmallest HistoryView = "smallest"
	HistorySummary  HistoryView = "summary"
)

// Intent is the tagged result of slot extraction. Only the slots belonging to
// Kind are meaningful.
type Intent struct {
	Kind IntentKind `json:"kind"`

	// score_check
	Amount   float64 `json:"amount,omitempty"`
	Merchant string  `json:"merchant,omitempty"`

	// algorithm_switch
	Target string `json:"target,omitempty"`

	// transaction_history
	Limit int         `json:"limit,omitempty"`
	View  HistoryView `json:"view,omitempty"`

	// unknown: why extraction degraded, if it did
	Note string `json:"note,omitempty"`
}
