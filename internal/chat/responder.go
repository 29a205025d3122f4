package chat

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type display struct {
	status string
	level  string
	advice string
}

var displays = map[domain.Decision]display{
	domain.DecisionAllow:     {"LEGITIMATE", "LOW RISK", "This transaction appears safe to proceed."},
	domain.DecisionChallenge: {"REQUIRES REVIEW", "MEDIUM RISK", "Additional verification recommended."},
	domain.DecisionBlock:     {"BLOCKED", "HIGH RISK", "This transaction should be blocked immediately!"},
}

var algorithmNames = map[string]string{
	domain.AlgorithmANN: "Artificial Neural Network",
	domain.AlgorithmSVM: "Support Vector Machine",
	domain.AlgorithmKNN: "K-Nearest Neighbors",
}

const commands = `**Transaction History:**
  • "transactions" - Show recent transactions
  • "last 10 transactions" - Show a longer list
  • "largest transaction" / "smallest transaction"
  • "transaction summary" - Spending analysis

**Fraud Detection:**
  • "fraud cases" - Show flagged transactions
  • "Check transaction for $500 at Amazon" - Analyze a transaction

**Account Information:**
  • "account info" - Show account details

**Algorithm Management:**
  • "Use SVM algorithm" / "Switch to neural network" / "Activate KNN"`

// Respond renders a reply as chat text. It performs no lookups.
func Respond(r Reply) string {
	if r.Notice != "" {
		return r.Notice
	}
	switch r.Intent.Kind {
	case domain.IntentGreeting:
		return greetingText(r)
	case domain.IntentAccountInfo:
		return accountText(r)
	case domain.IntentTransactionHistory:
		return historyText(r)
	case domain.IntentFraudSummary:
		return fraudText(r)
	case domain.IntentScoreCheck:
		return scoreText(r)
	case domain.IntentAlgorithmSwitch:
		return switchText(r)
	default:
		return unknownText(r)
	}
}

func greetingText(r Reply) string {
	var b strings.Builder
	if r.User != nil && r.Stats != nil {
		fmt.Fprintf(&b, "**Welcome back, %s!**\n\n", name(r.User))
		b.WriteString("**Your Account Summary:**\n")
		fmt.Fprintf(&b, "• Total Transactions: %d\n", r.Stats.Count)
		fmt.Fprintf(&b, "• Fraud Rate: %.1f%%\n", r.Stats.FraudRate)
		fmt.Fprintf(&b, "• Total Spent: %s\n\n", money(r.Stats.TotalAmount))
	} else {
		b.WriteString("**Welcome to Kestrel!**\n\nI can score card transactions for fraud risk.\n\n")
	}
	b.WriteString(commands)
	b.WriteString("\n\nWhat would you like to try?")
	return b.String()
}

func accountText(r Reply) string {
	if r.User == nil || r.Stats == nil {
		return "Sorry, I couldn't find your account information."
	}
	st := r.Stats
	var b strings.Builder
	fmt.Fprintf(&b, "**Account Information for %s**\n\n", name(r.User))
	fmt.Fprintf(&b, "**Email**: %s\n", r.User.Email)
	if !r.User.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "**Member Since**: %s\n", r.User.CreatedAt.Format("2006-01-02"))
	}
	b.WriteString("\n**Transaction Statistics**:\n")
	fmt.Fprintf(&b, "• Total Transactions: %d\n", st.Count)
	fmt.Fprintf(&b, "• Fraud Cases: %d\n", st.FraudCount)
	fmt.Fprintf(&b, "• Fraud Rate: %.1f%%\n", st.FraudRate)
	fmt.Fprintf(&b, "• Total Spent: %s\n", money(st.TotalAmount))
	fmt.Fprintf(&b, "• Average Transaction: %s\n", money(st.AvgAmount))
	fmt.Fprintf(&b, "• Largest Transaction: %s\n", money(st.MaxAmount))
	fmt.Fprintf(&b, "• Unique Merchants: %d\n\n", st.UniqueMerchants)
	if st.FraudCount > 0 {
		b.WriteString("**Risk Assessment**: Some fraud detected. Consider reviewing your recent transactions.")
	} else {
		b.WriteString("**Risk Assessment**: No fraud detected. Account looks healthy!")
	}
	return b.String()
}

func historyText(r Reply) string {
	txs := r.Transactions
	if len(txs) == 0 {
		return "I couldn't find any transactions for your account."
	}

	var b strings.Builder
	switch r.Intent.View {
	case domain.HistoryLargest:
		b.WriteString("**Your Largest Transaction:**\n\n")
		writeDetail(&b, txs[0])
	case domain.HistorySmallest:
		b.WriteString("**Your Smallest Transaction:**\n\n")
		writeDetail(&b, txs[0])
		if txs[0].Amount < 1 {
			b.WriteString("**Note**: Micro-transactions are sometimes used to test stolen cards.\n")
		}
	case domain.HistorySummary:
		var total, fraudAmount float64
		flagged := 0
		for _, tx := range txs {
			total += tx.Amount
			if tx.Decision == domain.DecisionBlock {
				flagged++
				fraudAmount += tx.Amount
			}
		}
		b.WriteString("**Transaction Analysis:**\n\n")
		fmt.Fprintf(&b, "Total Transactions: %d\n", len(txs))
		fmt.Fprintf(&b, "Total Amount: %s\n", money(total))
		fmt.Fprintf(&b, "Average Amount: %s\n", money(total/float64(len(txs))))
		fmt.Fprintf(&b, "Flagged: %d\n", flagged)
		if flagged > 0 {
			fmt.Fprintf(&b, "\n**Alert**: %d transaction(s) flagged, %s in total\n", flagged, money(fraudAmount))
		} else {
			b.WriteString("\n**Status**: No fraud detected in recent transactions\n")
		}
	default:
		fmt.Fprintf(&b, "**Your Last %d Transactions**\n\n", len(txs))
		for i, tx := range txs {
			fmt.Fprintf(&b, "%d. %s - %s at %s\n", i+1, status(tx), money(tx.Amount), orUnknown(tx.Merchant, "Unknown"))
			fmt.Fprintf(&b, "   %s on %s\n", orUnknown(tx.Location, "Unknown location"), when(tx))
			if tx.Decision == domain.DecisionBlock {
				fmt.Fprintf(&b, "   Fraud Risk: %.1f%% - Review required!\n", 100*tx.Risk)
				if len(tx.Reasons) > 0 {
					fmt.Fprintf(&b, "   Reason: %s\n", tx.Reasons[0])
				}
			}
		}
		b.WriteString("\nTry: \"largest transaction\", \"transaction summary\", or ask about fraud!")
	}
	return strings.TrimRight(b.String(), "\n")
}

func fraudText(r Reply) string {
	sum := r.Summary
	if sum == nil {
		return "I couldn't build your fraud summary."
	}
	if len(sum.Flagged) == 0 {
		return "Great news! You have no fraud cases in your transaction history."
	}
	var b strings.Builder
	b.WriteString("**Fraud Summary**\n\n")
	fmt.Fprintf(&b, "Transactions reviewed: %d (%s)\n", sum.TotalTransactions, money(sum.TotalAmount))
	fmt.Fprintf(&b, "Confirmed fraud: %d\n", sum.ConfirmedFraud)
	fmt.Fprintf(&b, "Flagged now: %d\n\n", sum.FlaggedNow)
	for i, tx := range sum.Flagged {
		fmt.Fprintf(&b, "%d. %s - %s at %s on %s\n", i+1, status(tx), money(tx.Amount), orUnknown(tx.Merchant, "Unknown"), when(tx))
		if len(tx.Reasons) > 0 {
			fmt.Fprintf(&b, "   Reason: %s\n", strings.Join(tx.Reasons, "; "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func scoreText(r Reply) string {
	res := r.Score
	if res == nil {
		return "I couldn't score that transaction."
	}
	d := displays[res.Decision]
	merchant := ""
	if m := r.Intent.Merchant; m != "" && m != domain.UnknownMerchant {
		merchant = " at " + m
	}
	version := res.ModelVersion
	if version == "" {
		version = "n/a"
	}

	var b strings.Builder
	b.WriteString("**Transaction Analysis Complete**\n\n")
	b.WriteString("**Transaction Details**\n")
	fmt.Fprintf(&b, "• Amount: %s%s\n", money(r.Intent.Amount), merchant)
	fmt.Fprintf(&b, "• Algorithm: %s\n", strings.ToUpper(res.Algorithm))
	fmt.Fprintf(&b, "• Risk Score: %.1f%%\n\n", 100*res.Score)
	b.WriteString("**Risk Assessment**\n")
	fmt.Fprintf(&b, "• Status: %s (%s)\n", d.status, res.Label)
	fmt.Fprintf(&b, "• Risk Level: %s\n", d.level)
	fmt.Fprintf(&b, "• Confidence: %.1f%%\n", 100*res.Confidence)
	if len(res.Reasons) > 0 {
		b.WriteString("\n**Why**\n")
		for _, reason := range res.Reasons {
			fmt.Fprintf(&b, "• %s\n", reason)
		}
	}
	fmt.Fprintf(&b, "\n**Recommendation**\n%s\n\n", d.advice)
	fmt.Fprintf(&b, "**Technical Details**\n• Model Version: %s\n• Policy: %s\n\n", version, res.Policy)
	b.WriteString("Want to analyze another transaction or try a different algorithm?")
	return b.String()
}

func switchText(r Reply) string {
	sw := r.Switch
	if sw == nil {
		return "I couldn't switch algorithms."
	}
	upper := strings.ToUpper(sw.Algorithm)
	if sw.Err != nil {
		return fmt.Sprintf("Error selecting %s: %v\nTrain it first with POST /train/%s.", upper, sw.Err, sw.Algorithm)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Switched to %s Algorithm!**\n\n", upper)
	if m := sw.Metrics; m != nil {
		b.WriteString("**Performance Metrics:**\n")
		fmt.Fprintf(&b, "• Accuracy: %.2f%%\n", 100*m.Accuracy)
		fmt.Fprintf(&b, "• Precision: %.2f%%\n", 100*m.Precision)
		fmt.Fprintf(&b, "• Recall: %.2f%%\n", 100*m.Recall)
		fmt.Fprintf(&b, "• ROC-AUC: %.3f\n\n", m.ROCAUC)
	}
	b.WriteString("Now you can ask me to check transactions using this algorithm!")
	return b.String()
}

func unknownText(r Reply) string {
	var b strings.Builder
	if r.Intent.Note != "" {
		fmt.Fprintf(&b, "I couldn't understand that (%s).\n\n", r.Intent.Note)
	} else {
		b.WriteString("I'm not sure how to help with that. Here's what I can do:\n\n")
	}
	b.WriteString(commands)
	if l := r.Algorithms; l != nil {
		fmt.Fprintf(&b, "\n\n**Currently Active**: %s", strings.ToUpper(l.Active))
		for _, name := range l.All {
			state := "Not trained"
			for _, t := range l.Trained {
				if t == name {
					state = "Ready"
				}
			}
			fmt.Fprintf(&b, "\n• %s (%s): %s", strings.ToUpper(name), algorithmNames[name], state)
		}
	}
	return b.String()
}

func writeDetail(b *strings.Builder, tx domain.FlaggedTransaction) {
	fmt.Fprintf(b, "Status: %s\n", status(tx))
	fmt.Fprintf(b, "Amount: %s\n", money(tx.Amount))
	fmt.Fprintf(b, "Merchant: %s\n", orUnknown(tx.Merchant, "Unknown"))
	fmt.Fprintf(b, "Location: %s\n", orUnknown(tx.Location, "Unknown location"))
	fmt.Fprintf(b, "Date: %s\n", when(tx))
	if tx.Decision == domain.DecisionBlock {
		fmt.Fprintf(b, "**Fraud Risk: %.1f%%**\n", 100*tx.Risk)
		for _, reason := range tx.Reasons {
			fmt.Fprintf(b, "Reason: %s\n", reason)
		}
	}
}

func status(tx domain.FlaggedTransaction) string {
	if tx.Decision == domain.DecisionBlock {
		return "FRAUD"
	}
	return "SAFE"
}

func when(tx domain.FlaggedTransaction) string {
	if tx.Time.IsZero() {
		return "unknown date"
	}
	return tx.Time.Format("2006-01-02 15:04")
}

func name(u *domain.UserProfile) string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

func orUnknown(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// money formats v as dollars with thousands separators.
func money(v float64) string {
	return "$" + humanize.FormatFloat("#,###.##", v)
}
