package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/events"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const (
	idempotencyKeyPrefix = "idem:"

	// maxPredictBody bounds the /predict payload.
	maxPredictBody = 64 << 10
)

// storedPrediction is the cached answer for an Idempotency-Key.
// BodyHash pins the key to the request body it was first used with.
type storedPrediction struct {
	BodyHash string          `json:"body_hash"`
	Response json.RawMessage `json:"response"`
}

// Deps are the collaborators the handlers use. Only Version is required;
// a nil Scorer makes /predict answer 503.
type Deps struct {
	Scorer      *scoring.Scorer
	Store       domain.RuleStore
	Cache       domain.Cache
	Publisher   *events.Publisher
	Metrics     *metrics.Metrics
	Location    *time.Location
	Idempotency domain.IdempotencyConfig
	Version     string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler holds dependencies for API handlers.
type Handler struct {
	scorer      *scoring.Scorer
	store       domain.RuleStore
	cache       domain.Cache
	publisher   *events.Publisher
	metrics     *metrics.Metrics
	location    *time.Location
	idempotency domain.IdempotencyConfig
	version     string
	now         func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	h := &Handler{
		scorer:      deps.Scorer,
		store:       deps.Store,
		cache:       deps.Cache,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		location:    deps.Location,
		idempotency: deps.Idempotency,
		version:     deps.Version,
		now:         deps.Now,
	}
	if h.location == nil {
		h.location = time.Local
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Status handles GET /api.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "running",
		"message":      "Fraud Detection API",
		"model_loaded": h.scorer != nil,
	})
}

// Predict handles POST /predict.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.scorer == nil {
		h.metrics.ObserveOutcome(metrics.OutcomeUnavailable)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": domain.ErrScorerUnavailable.Error(),
		})
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPredictBody))
	if err != nil {
		h.metrics.ObserveOutcome(metrics.OutcomeInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
		return
	}

	idemKey := h.idempotencyKey(r)
	bodyHash := hashBody(raw)
	if idemKey != "" {
		if stored, ok := h.lookupPrediction(ctx, idemKey); ok {
			if stored.BodyHash != bodyHash {
				h.metrics.ObserveOutcome(metrics.OutcomeInvalid)
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
					"error": "idempotency key reused with a different request body",
				})
				return
			}
			h.metrics.ObserveOutcome(metrics.OutcomeReplayed)
			w.Header().Set(IdempotentReplayedHeader, "true")
			writeRaw(w, http.StatusOK, stored.Response)
			return
		}
	}

	var req domain.TransactionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.metrics.ObserveOutcome(metrics.OutcomeInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	tx, err := req.ToTransaction()
	if err != nil {
		h.writeInputError(w, err)
		return
	}

	at := h.now().In(h.location)

	ctx, span := tracer.Start(ctx, "scoring.evaluate")
	verdict, err := h.scorer.Score(tx, at)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		span.End()
		if errors.Is(err, domain.ErrInvalidInput) {
			h.writeInputError(w, err)
			return
		}
		slog.Error("scoring failed", "error", err, "trace_id", GetTraceID(ctx))
		h.metrics.ObserveOutcome(metrics.OutcomeError)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}
	span.SetAttributes(
		attribute.Int("risk.score", verdict.RiskScore),
		attribute.Bool("risk.is_fraud", verdict.IsFraud),
		attribute.Int("risk.reasons", len(verdict.FraudReasons)),
	)
	span.End()

	txID := newTransactionID(at)
	prediction := &domain.Prediction{
		Verdict:       verdict,
		TransactionID: txID,
		Timestamp:     at.Format(time.RFC3339Nano),
		Amount:        tx.Amount.InexactFloat64(),
	}

	h.metrics.ObserveVerdict(verdict)

	event := events.NewVerdictEvent(txID, at, tx, verdict)
	if err := h.publisher.PublishVerdict(ctx, event, verdict); err != nil {
		slog.Warn("failed to publish verdict event", "transaction_id", txID, "error", err)
	}

	slog.Info("transaction scored",
		"transaction_id", txID,
		"risk_score", verdict.RiskScore,
		"is_fraud", verdict.IsFraud,
		"reasons", len(verdict.FraudReasons),
		"trace_id", GetTraceID(ctx),
		"request_id", GetRequestID(ctx),
	)

	body, err := json.Marshal(prediction)
	if err != nil {
		slog.Error("failed to encode prediction", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	if idemKey != "" {
		h.storePrediction(ctx, idemKey, bodyHash, body, txID)
	}

	writeRaw(w, http.StatusOK, body)
}

func (h *Handler) writeInputError(w http.ResponseWriter, err error) {
	h.metrics.ObserveOutcome(metrics.OutcomeInvalid)

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  ve.Error(),
			"fields": ve.Fields,
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": err.Error(),
	})
}

// idempotencyKey returns the cache key for the request, or "" when replay is off.
func (h *Handler) idempotencyKey(r *http.Request) string {
	if !h.idempotency.Enabled || h.cache == nil {
		return ""
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		return ""
	}
	return idempotencyKeyPrefix + key
}

func (h *Handler) lookupPrediction(ctx context.Context, key string) (*storedPrediction, bool) {
	data, err := h.cache.Get(ctx, key)
	if err != nil || data == nil {
		return nil, false
	}
	var stored storedPrediction
	if err := json.Unmarshal(data, &stored); err != nil {
		slog.Warn("discarding unreadable cached prediction", "key", key, "error", err)
		return nil, false
	}
	return &stored, true
}

func (h *Handler) storePrediction(ctx context.Context, key, bodyHash string, body []byte, txID string) {
	data, err := json.Marshal(storedPrediction{BodyHash: bodyHash, Response: body})
	if err != nil {
		slog.Warn("failed to encode cached prediction", "transaction_id", txID, "error", err)
		return
	}
	if err := h.cache.Set(ctx, key, data, h.idempotency.TTL); err != nil {
		slog.Warn("failed to cache prediction", "transaction_id", txID, "error", err)
	}
}

// hashBody fingerprints a request body byte for byte.
func hashBody(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// newTransactionID returns TXN<unix-seconds>-<8 hex chars>.
func newTransactionID(at time.Time) string {
	return fmt.Sprintf("TXN%d-%s", at.Unix(), strings.ToUpper(uuid.New().String()[:8]))
}

// Health returns liveness plus the state of the optional backends.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			slog.Warn("rule store ping failed", "error", err)
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			slog.Warn("cache ping failed", "error", err)
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    status,
		"timestamp": h.now().In(h.location).Format(time.RFC3339Nano),
		"version":   h.version,
	})
}

// Ready reports whether /predict can serve verdicts.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.scorer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": domain.ErrScorerUnavailable.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the rule table currently loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.scorer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": domain.ErrScorerUnavailable.Error(),
		})
		return
	}

	loaded := h.scorer.Engine().GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loaded,
		"count":  len(loaded),
		"source": h.ruleSource(),
	})
}

// GetRule returns one rule by ID. With a catalog store the stored row is
// returned, disabled or not; otherwise the loaded table is searched.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if h.store != nil {
		rule, err := h.store.GetRule(r.Context(), ruleID)
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		if err != nil {
			slog.Error("failed to get rule", "id", ruleID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to load rule",
			})
			return
		}
		writeJSON(w, http.StatusOK, rule)
		return
	}

	if h.scorer != nil {
		for _, rule := range h.scorer.Engine().GetLoadedRules() {
			if rule.ID == ruleID {
				writeJSON(w, http.StatusOK, rule)
				return
			}
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for POST /rules.
type CreateRuleRequest struct {
	ID         string          `json:"id"`
	Kind       domain.RuleKind `json:"kind"`
	Group      string          `json:"group"`
	Name       string          `json:"name"`
	Expression string          `json:"expression"`
	Points     int             `json:"points"`
	Reason     string          `json:"reason"`
	Position   int             `json:"position"`
	Enabled    bool            `json:"enabled"`
}

// CreateRule compiles a rule, upserts it into the catalog store and reloads
// the engine from the store so the rule applies to the next /predict call.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.scorer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": domain.ErrScorerUnavailable.Error(),
		})
		return
	}
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule store not available",
		})
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if req.Kind == "" {
		req.Kind = domain.KindRule
	}
	if req.Kind != domain.KindRule && req.Kind != domain.KindFactor {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "kind must be rule or factor",
		})
		return
	}

	rule := &domain.RuleConfig{
		ID:         req.ID,
		Kind:       req.Kind,
		Group:      req.Group,
		Name:       req.Name,
		Expression: req.Expression,
		Points:     req.Points,
		Reason:     req.Reason,
		Position:   req.Position,
		Enabled:    req.Enabled,
	}

	engine := h.scorer.Engine()
	if err := engine.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.store.SaveRule(ctx, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	stored, err := h.store.ListRules(ctx)
	if err != nil {
		slog.Error("failed to list rules from store", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "rule saved but reload failed",
		})
		return
	}
	if err := engine.ReloadRules(stored); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "rule saved but reload failed: " + err.Error(),
		})
		return
	}

	slog.Info("rule saved", "id", rule.ID, "kind", rule.Kind, "count", engine.RulesCount())
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":  rule,
		"count": engine.RulesCount(),
	})
}

// ReloadRules swaps in the rule table from the catalog store, or the
// built-in catalog when no store is configured. A failed reload keeps the
// previous table.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.scorer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": domain.ErrScorerUnavailable.Error(),
		})
		return
	}

	configs := rules.BuiltinRules()
	if h.store != nil {
		stored, err := h.store.ListRules(r.Context())
		if err != nil {
			slog.Error("failed to list rules from store", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to load rules from store",
			})
			return
		}
		configs = stored
	}

	engine := h.scorer.Engine()
	if err := engine.ReloadRules(configs); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded", "source", h.ruleSource(), "count", engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   engine.RulesCount(),
		"source":  h.ruleSource(),
	})
}

func (h *Handler) ruleSource() string {
	if h.store != nil {
		return "repository"
	}
	return "builtin"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
