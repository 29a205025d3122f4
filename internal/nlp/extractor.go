// Package nlp classifies chatbot messages into intents and extracts their
// slots with an ordered list of keyword rules.
package nlp

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// History limits.
const (
	DefaultHistoryLimit  = 5
	AnalysisHistoryLimit = 10
	MaxHistoryLimit      = 20
)

var (
	algorithmPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{domain.AlgorithmANN, regexp.MustCompile(`\b(ann|artificial neural network|neural|mlp)\b`)},
		{domain.AlgorithmSVM, regexp.MustCompile(`\b(svm|support vector)\b`)},
		{domain.AlgorithmKNN, regexp.MustCompile(`\b(knn|k-nearest|nearest neighbou?rs?)\b`)},
	}
	switchVerb  = regexp.MustCompile(`\b(use|switch|select|activate|change|set)\b`)
	greeting    = regexp.MustCompile(`\b(hello|hi|hey|help|start)\b`)
	amountToken = regexp.MustCompile(`\$\s*(\d[\d,.]*)`)
	amountForm  = regexp.MustCompile(`^(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?$`)
	lastN       = regexp.MustCompile(`\b(?:last|recent)\s+(\d+)\b`)
)

var (
	accountKeywords = []string{
		"account info", "my account", "my profile", "my info", "my details",
		"profile", "who am i", "my stats", "my data", "about me",
	}
	historyKeywords = []string{
		"transaction", "history", "purchases", "spending",
	}
	fraudKeywords = []string{
		"fraud cases", "fraud summary", "fraud activity", "fraud report",
		"any fraud", "do i have fraud", "show fraud", "my fraud",
		"suspicious activity",
	}
)

// Extractor turns free text into an Intent. It never fails; text it cannot
// classify yields IntentUnknown.
type Extractor struct {
	catalog *rules.Catalog
	rules   []rule
}

// rule returns ok when it claims the message.
type rule func(text string) (domain.Intent, bool)

// NewExtractor builds an extractor resolving merchants through catalog.
func NewExtractor(catalog *rules.Catalog) *Extractor {
	if catalog == nil {
		catalog = rules.DefaultCatalog()
	}
	x := &Extractor{catalog: catalog}
	x.rules = []rule{
		x.algorithmSwitch,
		x.scoreCheck,
		keywords(domain.IntentAccountInfo, accountKeywords),
		x.history,
		keywords(domain.IntentFraudSummary, fraudKeywords),
		x.greeting,
	}
	return x
}

var defaultExtractor = NewExtractor(nil)

// Extract classifies text with the default merchant catalog.
func Extract(text string) domain.Intent {
	return defaultExtractor.Extract(text)
}

// Extract classifies text. The first matching rule wins.
func (x *Extractor) Extract(text string) domain.Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return domain.Intent{Kind: domain.IntentUnknown}
	}
	for _, r := range x.rules {
		if in, ok := r(lower); ok {
			return in
		}
	}
	return domain.Intent{Kind: domain.IntentUnknown}
}

func (x *Extractor) algorithmSwitch(text string) (domain.Intent, bool) {
	if !switchVerb.MatchString(text) {
		return domain.Intent{}, false
	}
	for _, p := range algorithmPatterns {
		if p.re.MatchString(text) {
			return domain.Intent{Kind: domain.IntentAlgorithmSwitch, Target: p.name}, true
		}
	}
	return domain.Intent{}, false
}

func (x *Extractor) scoreCheck(text string) (domain.Intent, bool) {
	if !strings.Contains(text, "$") {
		return domain.Intent{}, false
	}
	m := amountToken.FindStringSubmatch(text)
	if m == nil {
		return domain.Intent{Kind: domain.IntentUnknown, Note: "found a $ but no amount after it"}, true
	}
	// Trailing sentence punctuation is not part of the amount.
	raw := strings.TrimRight(m[1], ".,")
	if !amountForm.MatchString(raw) {
		return domain.Intent{Kind: domain.IntentUnknown, Note: "could not read the amount " + m[1]}, true
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return domain.Intent{Kind: domain.IntentUnknown, Note: "could not read the amount " + raw}, true
	}
	if v > features.MaxAmount {
		return domain.Intent{Kind: domain.IntentUnknown, Note: "the amount " + raw + " is larger than any transaction I can check"}, true
	}

	merchant := domain.UnknownMerchant
	if e, ok := x.catalog.Lookup(text); ok {
		merchant = e.Display
	}
	return domain.Intent{Kind: domain.IntentScoreCheck, Amount: v, Merchant: merchant}, true
}

func (x *Extractor) history(text string) (domain.Intent, bool) {
	if !containsAny(text, historyKeywords) {
		return domain.Intent{}, false
	}

	in := domain.Intent{Kind: domain.IntentTransactionHistory, View: domain.HistoryList, Limit: DefaultHistoryLimit}
	switch {
	case containsAny(text, []string{"largest", "biggest", "highest"}):
		in.View = domain.HistoryLargest
	case containsAny(text, []string{"smallest", "lowest"}):
		in.View = domain.HistorySmallest
	case containsAny(text, []string{"review", "summary", "analyze", "analyse"}):
		in.View = domain.HistorySummary
	}
	if in.View != domain.HistoryList {
		in.Limit = AnalysisHistoryLimit
	}

	if m := lastN.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			in.Limit = min(n, MaxHistoryLimit)
		}
	}
	return in, true
}

func (x *Extractor) greeting(text string) (domain.Intent, bool) {
	if greeting.MatchString(text) {
		return domain.Intent{Kind: domain.IntentGreeting}, true
	}
	return domain.Intent{}, false
}

func keywords(kind domain.IntentKind, words []string) rule {
	return func(text string) (domain.Intent, bool) {
		if containsAny(text, words) {
			return domain.Intent{Kind: kind}, true
		}
		return domain.Intent{}, false
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
