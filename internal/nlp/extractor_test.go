package nlp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		text string
		want domain.Intent
	}{
		{"Use SVM algorithm", domain.Intent{Kind: domain.IntentAlgorithmSwitch, Target: "svm"}},
		{"switch to the neural network please", domain.Intent{Kind: domain.IntentAlgorithmSwitch, Target: "ann"}},
		{"Please activate KNN", domain.Intent{Kind: domain.IntentAlgorithmSwitch, Target: "knn"}},
		{"set nearest neighbor as the model", domain.Intent{Kind: domain.IntentAlgorithmSwitch, Target: "knn"}},
		{"Check transaction for $500 at Amazon", domain.Intent{Kind: domain.IntentScoreCheck, Amount: 500, Merchant: "Amazon"}},
		{"Is $1,250.75 at whole foods ok?", domain.Intent{Kind: domain.IntentScoreCheck, Amount: 1250.75, Merchant: "Whole Foods"}},
		{"Is $1000 fraud?", domain.Intent{Kind: domain.IntentScoreCheck, Amount: 1000, Merchant: domain.UnknownMerchant}},
		{"$ 42 at starbucks", domain.Intent{Kind: domain.IntentScoreCheck, Amount: 42, Merchant: "Starbucks"}},
		{"Show my account info", domain.Intent{Kind: domain.IntentAccountInfo}},
		{"who am i", domain.Intent{Kind: domain.IntentAccountInfo}},
		{"transactions", domain.Intent{Kind: domain.IntentTransactionHistory, View: domain.HistoryList, Limit: 5}},
		{"show my last 3 transactions", domain.Intent{Kind: domain.IntentTransactionHistory, View: domain.HistoryList, Limit: 3}},
		{"last 50 purchases", domain.Intent{Kind: domain.IntentTransactionHistory, View: domain.HistoryList, Limit: 20}},
		{"largest transaction", domain.Intent{Kind: domain.IntentTransactionHistory, View: domain.HistoryLargest, Limit: 10}},
		{"lowest transaction", domain.Intent{Kind: domain.IntentTransactionHistory, View: domain.HistorySmallest, Limit: 10}},
		{"transaction summary", domain.Intent{Kind: domain.IntentTransactionHistory, View: domain.HistorySummary, Limit: 10}},
		{"fraud cases", domain.Intent{Kind: domain.IntentFraudSummary}},
		{"Do I have fraud?", domain.Intent{Kind: domain.IntentFraudSummary}},
		{"hello", domain.Intent{Kind: domain.IntentGreeting}},
		{"Hi there", domain.Intent{Kind: domain.IntentGreeting}},
		{"help", domain.Intent{Kind: domain.IntentGreeting}},
		{"this is gibberish", domain.Intent{Kind: domain.IntentUnknown}},
		{"", domain.Intent{Kind: domain.IntentUnknown}},
		{"what is an svm", domain.Intent{Kind: domain.IntentUnknown}},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.text))
		})
	}
}

func TestExtractPriority(t *testing.T) {
	// A switch verb plus algorithm wins over an amount.
	got := Extract("use knn to check $50 at uber")
	assert.Equal(t, domain.IntentAlgorithmSwitch, got.Kind)

	// An amount wins over history keywords.
	got = Extract("check transaction history for $20")
	assert.Equal(t, domain.IntentScoreCheck, got.Kind)
	assert.Equal(t, 20.0, got.Amount)

	// History wins over fraud keywords when both are present.
	got = Extract("show fraud cases in my transactions")
	assert.Equal(t, domain.IntentTransactionHistory, got.Kind)
}

func TestExtractBadAmount(t *testing.T) {
	for _, text := range []string{
		"is $abc fraud", "check $", "$-40 at amazon",
		"check $1,,0", "check $12,34", "is $1.2.3 ok",
		"check $99999999999999999999", "is $1000000001 at amazon ok",
	} {
		got := Extract(text)
		assert.Equal(t, domain.IntentUnknown, got.Kind, text)
		assert.NotEmpty(t, got.Note, text)
	}
}

func TestExtractDeterministic(t *testing.T) {
	first := Extract("Check transaction for $500 at Amazon")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Extract("Check transaction for $500 at Amazon"))
	}
}

func TestExtractCustomCatalog(t *testing.T) {
	x := NewExtractor(rules.NewCatalog([]domain.CatalogEntry{
		{Keyword: "blue bottle", Display: "Blue Bottle", Category: rules.CategoryCoffeeShop},
	}))

	got := x.Extract("$12 at Blue Bottle")
	assert.Equal(t, "Blue Bottle", got.Merchant)

	got = x.Extract("$12 at Amazon")
	assert.Equal(t, domain.UnknownMerchant, got.Merchant)
}

func TestExtractAmountForms(t *testing.T) {
	for text, want := range map[string]float64{
		"check $1,000,000 at amazon": 1e6,
		"is $500. fraud":             500,
		"check $1000000000":          1e9,
		"was $12.50, at uber, ok":    12.5,
	} {
		got := Extract(text)
		assert.Equal(t, domain.IntentScoreCheck, got.Kind, text)
		assert.Equal(t, want, got.Amount, text)
	}
}

func TestExtractMerchantWholeWords(t *testing.T) {
	got := Extract("Check $25 at the shellfish shack")
	assert.Equal(t, domain.IntentScoreCheck, got.Kind)
	assert.Equal(t, domain.UnknownMerchant, got.Merchant)

	got = Extract("Is $40 at a pineapple stand ok")
	assert.Equal(t, domain.UnknownMerchant, got.Merchant)

	got = Extract("Is $40 at the Shell station ok")
	assert.Equal(t, "Shell", got.Merchant)
}
