package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/chat"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// defaultTransactionLimit is used by the user transactions endpoint.
const defaultTransactionLimit = 10

// Deps are the collaborators served by the API. Users, Decisions, Cache and
// Bus are optional.
type Deps struct {
	Registry *registry.Registry
	Scorer   *scoring.Service
	Chat     *chat.Service
	Policies *decision.Set
	RuleSets map[string]*rules.Engine

	Users     domain.UserStore
	Decisions domain.DecisionLog
	Cache     domain.Cache
	Bus       domain.EventBus

	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Score handles POST /score requests.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rec, err := features.FromPayload(payload)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.deps.Scorer.Score(r.Context(), rec, r.URL.Query().Get("algorithm"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Algorithms handles GET /algorithms.
func (h *Handler) Algorithms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Registry.List())
}

// Train handles POST /train/{algorithm}. Training runs inside the request.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "algorithm")

	metrics, err := h.deps.Registry.Train(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"algorithm": name,
		"metrics":   metrics,
	})
}

// Select handles POST /select/{algorithm}.
func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "algorithm")

	if err := h.deps.Registry.Select(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"active_algorithm": name,
		"message":          fmt.Sprintf("Switched to %s", name),
	})
}

// Metrics handles GET /metrics?algorithm=.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.deps.Registry.Metrics(r.URL.Query().Get("algorithm"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ChatMessageRequest is the request body for POST /chatbot/message.
type ChatMessageRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

// ChatMessageResponse is the response for POST /chatbot/message.
type ChatMessageResponse struct {
	Response string `json:"response"`
	UserID   string `json:"user_id"`
}

// ChatMessage handles POST /chatbot/message.
func (h *Handler) ChatMessage(w http.ResponseWriter, r *http.Request) {
	var req ChatMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.UserID == "" {
		writeError(w, &domain.ValidationError{Field: "user_id", Reason: "is required"})
		return
	}

	text, err := h.deps.Chat.Message(r.Context(), req.UserID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ChatMessageResponse{Response: text, UserID: req.UserID})
}

// UserInfo handles GET /chatbot/user/{userID}/info.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	user, stats, err := h.deps.Chat.UserInfo(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"stats": stats,
	})
}

// UserTransactions handles GET /chatbot/user/{userID}/transactions?limit=.
func (h *Handler) UserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := defaultTransactionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, &domain.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}

	txs, err := h.deps.Chat.Transactions(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"transactions": txs,
		"count":        len(txs),
	})
}

// FraudSummary handles GET /chatbot/user/{userID}/fraud-summary.
func (h *Handler) FraudSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.deps.Chat.FraudSummary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetSession handles GET /chatbot/session/{userID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.deps.Chat.Sessions().Get(chi.URLParam(r, "userID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "session not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ClearSession handles DELETE /chatbot/session/{userID}.
func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	cleared := h.deps.Chat.Sessions().Clear(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"cleared": cleared,
	})
}

// GetDecision retrieves a persisted decision by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.deps.Decisions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "decision log not available",
		})
		return
	}

	rec, err := h.deps.Decisions.GetDecision(r.Context(), id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get decision", "id", id, "error", err)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Surface names the regime and rule set a scoring surface uses.
type Surface struct {
	Policy  string `json:"policy"`
	RuleSet string `json:"rule_set"`
}

// Policies returns the configured regimes, rule sets and their assignment.
func (h *Handler) Policies(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.deps.RuleSets))
	for name := range h.deps.RuleSets {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]domain.RuleSet, 0, len(names))
	for _, name := range names {
		sets = append(sets, domain.RuleSet{Name: name, Rules: h.deps.RuleSets[name].GetLoadedRules()})
	}

	var policies []domain.PolicyConfig
	if h.deps.Policies != nil {
		policies = h.deps.Policies.Configs()
	}

	surfaces := map[string]Surface{
		scoring.SourceAPI: {Policy: h.deps.Scorer.Policy().Name, RuleSet: h.deps.Scorer.Overlay().Name()},
	}
	if h.deps.Chat != nil {
		cs := h.deps.Chat.Scorer()
		surfaces[scoring.SourceChat] = Surface{Policy: cs.Policy().Name, RuleSet: cs.Overlay().Name()}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policies":  policies,
		"rule_sets": sets,
		"surfaces":  surfaces,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.deps.Users != nil {
		check("database", func() error { return h.deps.Users.Ping(ctx) })
	}
	if h.deps.Cache != nil {
		check("cache", func() error { return h.deps.Cache.Ping(ctx) })
	}
	if h.deps.Bus != nil {
		check("bus", func() error { return h.deps.Bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"version":          h.deps.Version,
		"active_algorithm": h.deps.Registry.Active(),
		"checks":           checks,
	})
}

// Ready returns whether the server is ready to accept traffic. Scoring
// against untrained algorithms still answers 503, so readiness does not
// wait for training.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":   "true",
		"trained": h.deps.Registry.List().Trained,
	})
}

// writeJSON encodes data before writing the header, so a value that cannot
// be encoded becomes a 500 instead of an empty success.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Warn("failed to encode response", "status", status, "error", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// writeError maps an engine error to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
	})
}

func statusFor(err error) int {
	var (
		validation *domain.ValidationError
		notReady   *domain.ModelNotReadyError
		unknown    *domain.UnknownAlgorithmError
		notTrained *domain.NotTrainedError
	)
	switch {
	case errors.As(err, &validation), errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &notReady):
		return http.StatusServiceUnavailable
	case errors.As(err, &unknown), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &notTrained):
		return http.StatusConflict
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
