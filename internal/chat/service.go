// Package chat runs chatbot conversations: it classifies a message, performs
// the lookup or scoring the intent asks for, and renders a reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/nlp"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

var (
	// ErrRateLimited is returned when a user exceeds the message rate.
	ErrRateLimited = errors.New("too many messages, slow down")

	// ErrEmptyMessage is returned for blank messages.
	ErrEmptyMessage = errors.New("message is required")
)

// UserStats aggregates a user's stored transactions.
type UserStats struct {
	Count           int     `json:"transaction_count"`
	FraudCount      int     `json:"fraud_count"`
	FraudRate       float64 `json:"fraud_rate"` // percent
	TotalAmount     float64 `json:"total_amount"`
	AvgAmount       float64 `json:"avg_amount"`
	MaxAmount       float64 `json:"max_amount"`
	UniqueMerchants int     `json:"unique_merchants"`
}

// Switch is the outcome of an algorithm switch.
type Switch struct {
	Algorithm string
	Previous  string
	Metrics   *domain.Metrics
	Err       error
}

// Reply is everything the responder needs to render one answer.
type Reply struct {
	UserID string
	Intent domain.Intent

	User  *domain.UserProfile
	Stats *UserStats

	Transactions []domain.FlaggedTransaction
	Summary      *domain.FraudSummary

	Score      *domain.ScoreResult
	Switch     *Switch
	Algorithms *registry.Listing

	// Notice explains a lookup that could not be served.
	Notice string
}

// Service answers chatbot messages.
type Service struct {
	extractor *nlp.Extractor
	scorer    *scoring.Service
	registry  *registry.Registry
	users     domain.UserStore
	sessions  *Sessions
	baseScore float64
}

// New creates a chat service. scorer must be configured with the chat rule
// set and regime; users may be nil when no users database is attached.
func New(extractor *nlp.Extractor, scorer *scoring.Service, reg *registry.Registry, users domain.UserStore, sessions *Sessions, cfg domain.ChatConfig) *Service {
	if extractor == nil {
		extractor = nlp.NewExtractor(nil)
	}
	if sessions == nil {
		sessions = NewSessions(cfg.SessionTTL, cfg.RatePerMinute, cfg.Burst)
	}
	return &Service{
		extractor: extractor,
		scorer:    scorer,
		registry:  reg,
		users:     users,
		sessions:  sessions,
		baseScore: cfg.FallbackScore,
	}
}

// Scorer returns the scoring service used for score checks.
func (s *Service) Scorer() *scoring.Service {
	return s.scorer
}

// Sessions exposes the session table.
func (s *Service) Sessions() *Sessions {
	return s.sessions
}

// Message handles one message and returns the rendered reply.
func (s *Service) Message(ctx context.Context, userID, message string) (string, error) {
	reply, err := s.Handle(ctx, userID, message)
	if err != nil {
		return "", err
	}
	return Respond(reply), nil
}

// Handle handles one message and returns the structured reply. Only rate
// limiting, blank input and scoring failures are errors; lookups that
// cannot be served are reported through Reply.Notice.
func (s *Service) Handle(ctx context.Context, userID, message string) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{}, ErrEmptyMessage
	}
	sess, ok := s.sessions.open(userID)
	if !ok {
		return Reply{}, ErrRateLimited
	}

	intent := s.extractor.Extract(message)
	telemetry.ChatMessagesTotal.WithLabelValues(string(intent.Kind)).Inc()
	s.sessions.update(userID, func(sess *Session) {
		sess.Messages++
		sess.LastIntent = intent.Kind
	})

	reply := Reply{UserID: userID, Intent: intent}
	var err error
	switch intent.Kind {
	case domain.IntentGreeting:
		s.loadProfile(ctx, &reply, false)
	case domain.IntentAccountInfo:
		s.loadProfile(ctx, &reply, true)
	case domain.IntentTransactionHistory:
		s.loadHistory(ctx, &reply)
	case domain.IntentFraudSummary:
		s.loadSummary(ctx, &reply)
	case domain.IntentScoreCheck:
		reply.Score, err = s.scorer.Score(ctx, features.Synthetic(intent.Amount, intent.Merchant), sess.Algorithm)
	case domain.IntentAlgorithmSwitch:
		reply.Switch = s.switchAlgorithm(ctx, userID, intent.Target)
	default:
		l := s.registry.List()
		reply.Algorithms = &l
	}
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (s *Service) switchAlgorithm(ctx context.Context, userID, target string) *Switch {
	sw := &Switch{Algorithm: target, Previous: s.registry.Active()}
	if err := s.registry.Select(ctx, target); err != nil {
		sw.Err = err
		return sw
	}
	s.sessions.update(userID, func(sess *Session) { sess.Algorithm = target })
	sw.Metrics, _ = s.registry.Metrics(target)
	return sw
}

func (s *Service) loadProfile(ctx context.Context, reply *Reply, required bool) {
	user, txs, ok := s.lookup(ctx, reply, 0, required)
	if !ok {
		return
	}
	reply.User = user
	reply.Stats = Stats(txs)
}

func (s *Service) loadHistory(ctx context.Context, reply *Reply) {
	_, txs, ok := s.lookup(ctx, reply, reply.Intent.Limit, true)
	if !ok {
		return
	}
	flagged, err := s.flagAll(txs)
	if err != nil {
		reply.Notice = "I couldn't assess your transactions right now."
		slog.Error("failed to flag transactions", "user_id", reply.UserID, "error", err)
		return
	}

	switch reply.Intent.View {
	case domain.HistoryLargest:
		sort.SliceStable(flagged, func(i, j int) bool { return flagged[i].Amount > flagged[j].Amount })
	case domain.HistorySmallest:
		sort.SliceStable(flagged, func(i, j int) bool { return flagged[i].Amount < flagged[j].Amount })
	}
	reply.Transactions = flagged
}

func (s *Service) loadSummary(ctx context.Context, reply *Reply) {
	_, txs, ok := s.lookup(ctx, reply, 0, true)
	if !ok {
		return
	}
	flagged, err := s.flagAll(txs)
	if err != nil {
		reply.Notice = "I couldn't assess your transactions right now."
		slog.Error("failed to flag transactions", "user_id", reply.UserID, "error", err)
		return
	}
	reply.Summary = Summarize(reply.UserID, flagged)
}

// lookup loads the user and up to limit of their transactions (all when
// limit is 0). When required is false a missing user is not a notice.
func (s *Service) lookup(ctx context.Context, reply *Reply, limit int, required bool) (*domain.UserProfile, []*domain.UserTransaction, bool) {
	if s.users == nil {
		if required {
			reply.Notice = "Account lookups are not available right now."
		}
		return nil, nil, false
	}
	user, err := s.users.GetUser(ctx, reply.UserID)
	if err != nil {
		if required {
			reply.Notice = "Sorry, I couldn't find your account information. Please check that you are logged in."
		}
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("user lookup failed", "user_id", reply.UserID, "error", err)
		}
		return nil, nil, false
	}
	txs, err := s.users.ListTransactions(ctx, reply.UserID, limit)
	if err != nil {
		reply.Notice = "I couldn't load your transactions right now."
		slog.Error("transaction lookup failed", "user_id", reply.UserID, "error", err)
		return nil, nil, false
	}
	return user, txs, true
}

// Flag re-assesses a stored transaction with the chat overlay and regime
// applied to the base score.
func (s *Service) Flag(tx *domain.UserTransaction) (domain.FlaggedTransaction, error) {
	rec := features.Synthetic(tx.Amount, tx.Merchant)
	adj, err := s.scorer.Overlay().Adjust(rec)
	if err != nil {
		return domain.FlaggedTransaction{}, err
	}
	out, err := s.scorer.Policy().Decide(s.baseScore, adj.Delta, adj.Reasons)
	if err != nil {
		return domain.FlaggedTransaction{}, err
	}
	return domain.FlaggedTransaction{
		UserTransaction: *tx,
		Risk:            out.Risk,
		Decision:        out.Decision,
		Label:           out.Label,
		Reasons:         adj.Reasons,
	}, nil
}

func (s *Service) flagAll(txs []*domain.UserTransaction) ([]domain.FlaggedTransaction, error) {
	out := make([]domain.FlaggedTransaction, 0, len(txs))
	for _, tx := range txs {
		f, err := s.Flag(tx)
		if err != nil {
			return nil, fmt.Errorf("flag %s: %w", tx.ID, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// UserInfo returns a user with aggregate stats.
func (s *Service) UserInfo(ctx context.Context, userID string) (*domain.UserProfile, *UserStats, error) {
	if s.users == nil {
		return nil, nil, repository.ErrNotFound
	}
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	txs, err := s.users.ListTransactions(ctx, userID, 0)
	if err != nil {
		return nil, nil, err
	}
	return user, Stats(txs), nil
}

// Transactions returns up to limit of a user's transactions, flagged.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]domain.FlaggedTransaction, error) {
	if s.users == nil {
		return nil, repository.ErrNotFound
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	txs, err := s.users.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return s.flagAll(txs)
}

// FraudSummary returns the user's fraud summary over all transactions.
func (s *Service) FraudSummary(ctx context.Context, userID string) (*domain.FraudSummary, error) {
	flagged, err := s.Transactions(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	return Summarize(userID, flagged), nil
}

// Stats aggregates transactions.
func Stats(txs []*domain.UserTransaction) *UserStats {
	st := &UserStats{Count: len(txs)}
	merchants := make(map[string]struct{})
	for _, tx := range txs {
		st.TotalAmount += tx.Amount
		if tx.Amount > st.MaxAmount {
			st.MaxAmount = tx.Amount
		}
		if tx.IsFraud {
			st.FraudCount++
		}
		if tx.Merchant != "" {
			merchants[strings.ToLower(tx.Merchant)] = struct{}{}
		}
	}
	st.UniqueMerchants = len(merchants)
	if st.Count > 0 {
		st.AvgAmount = st.TotalAmount / float64(st.Count)
		st.FraudRate = 100 * float64(st.FraudCount) / float64(st.Count)
	}
	return st
}

// Summarize builds a fraud summary. A transaction is listed when it is
// confirmed fraud or blocked by the real-time assessment.
func Summarize(userID string, flagged []domain.FlaggedTransaction) *domain.FraudSummary {
	sum := &domain.FraudSummary{
		UserID:            userID,
		TotalTransactions: len(flagged),
		Flagged:           []domain.FlaggedTransaction{},
	}
	for _, f := range flagged {
		sum.TotalAmount += f.Amount
		blocked := f.Decision == domain.DecisionBlock
		if f.IsFraud {
			sum.ConfirmedFraud++
		}
		if blocked {
			sum.FlaggedNow++
		}
		if f.IsFraud || blocked {
			sum.Flagged = append(sum.Flagged, f)
		}
	}
	return sum
}
