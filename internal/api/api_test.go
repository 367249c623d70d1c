package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/events"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Wednesday afternoon: no time or weekend rules fire.
var fixedNow = time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)

type stubStore struct {
	rules   []*domain.RuleConfig
	listErr error
	saveErr error
}

func (s *stubStore) ListRules(ctx context.Context) ([]*domain.RuleConfig, error) {
	return s.rules, s.listErr
}

func (s *stubStore) GetRule(ctx context.Context, id string) (*domain.RuleConfig, error) {
	for _, rule := range s.rules {
		if rule.ID == id {
			return rule, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *stubStore) SaveRule(ctx context.Context, rule *domain.RuleConfig) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	for i, existing := range s.rules {
		if existing.ID == rule.ID {
			s.rules[i] = rule
			return nil
		}
	}
	s.rules = append(s.rules, rule)
	return nil
}

func (s *stubStore) SeedRules(ctx context.Context, rules []*domain.RuleConfig) (int, error) {
	return 0, nil
}

func (s *stubStore) Ping(ctx context.Context) error { return nil }
func (s *stubStore) Close() error                  { return nil }

func newScorer(t *testing.T) *scoring.Scorer {
	t.Helper()
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	scorer, err := scoring.NewScorer(engine, decision.NewProcessor())
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	return scorer
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Scorer:   newScorer(t),
		Cache:    cache.NewLRUCache(100),
		Metrics:  metrics.New(),
		Location: time.UTC,
		Idempotency: domain.IdempotencyConfig{
			Enabled: true,
			TTL:     time.Minute,
		},
		Version: "test-v1",
		Now:     func() time.Time { return fixedNow },
	}
}

// createTestServer creates a server over the default rule catalog.
func createTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServer(testDeps(t))
}

func newTestServer(deps Deps) *Server {
	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return NewServer(cfg, deps, "/metrics")
}

func lowRiskBody() map[string]any {
	return map[string]any{
		"amount":     "50.00",
		"cardType":   "visa",
		"cardLast4":  "4242",
		"deviceType": "desktop",
		"country":    "US",
		"zipCode":    "10001",
		"email":      "jane@gmail.com",
	}
}

func highRiskBody() map[string]any {
	return map[string]any{
		"amount":     6000,
		"cardType":   "discover",
		"cardLast4":  "1111",
		"deviceType": "mobile",
		"country":    "UK",
		"zipCode":    "SW1A",
		"email":      "user@unknown-mail.xyz",
	}
}

func postPredict(t *testing.T, server *Server, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/predict", &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return m
}

func TestPredictEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("LowRisk", func(t *testing.T) {
		rr := postPredict(t, server, lowRiskBody(), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.Prediction
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if resp.IsFraud {
			t.Error("expected legitimate verdict")
		}
		if resp.RiskScore != 0 {
			t.Errorf("expected risk score 0, got %d", resp.RiskScore)
		}
		if resp.LegitimateProbability != 1 || resp.Confidence != 100 {
			t.Errorf("unexpected probabilities: %+v", resp.Verdict)
		}
		if resp.Amount != 50 {
			t.Errorf("expected amount 50, got %v", resp.Amount)
		}
		if resp.Timestamp != "2025-01-15T14:00:00Z" {
			t.Errorf("unexpected timestamp %q", resp.Timestamp)
		}
		if !strings.HasPrefix(resp.TransactionID, "TXN1736949600-") || len(resp.TransactionID) != len("TXN1736949600-")+8 {
			t.Errorf("unexpected transaction id %q", resp.TransactionID)
		}
		if resp.FraudReasons == nil || len(resp.FraudReasons) != 0 {
			t.Errorf("expected empty reasons, got %v", resp.FraudReasons)
		}
	})

	t.Run("HighRiskNumericAmount", func(t *testing.T) {
		rr := postPredict(t, server, highRiskBody(), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.Prediction
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		// 35 amount + 12 card + 8 device + 12 international + 8 email + 15 multi-factor
		if resp.RiskScore != 90 {
			t.Errorf("expected risk score 90, got %d (%v)", resp.RiskScore, resp.FraudReasons)
		}
		if !resp.IsFraud {
			t.Error("expected fraud verdict")
		}
		if resp.FraudProbability != 0.9 {
			t.Errorf("expected fraud probability 0.9, got %v", resp.FraudProbability)
		}
		if len(resp.FraudReasons) != 6 {
			t.Errorf("expected 6 reasons, got %v", resp.FraudReasons)
		}
	})

	t.Run("ResponseFields", func(t *testing.T) {
		rr := postPredict(t, server, lowRiskBody(), nil)
		m := decodeMap(t, rr)
		for _, key := range []string{
			"is_fraud", "fraud_probability", "legitimate_probability", "confidence",
			"risk_score", "fraud_reasons", "transaction_id", "timestamp", "amount",
		} {
			if _, ok := m[key]; !ok {
				t.Errorf("response missing %q: %s", key, rr.Body.String())
			}
		}
	})
}

func TestPredictValidation(t *testing.T) {
	server := createTestServer(t)

	t.Run("MissingField", func(t *testing.T) {
		body := lowRiskBody()
		delete(body, "email")

		rr := postPredict(t, server, body, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}
		m := decodeMap(t, rr)
		if m["error"] != "Missing field: email" {
			t.Errorf("unexpected error %v", m["error"])
		}
		if fields, ok := m["fields"].([]any); !ok || len(fields) != 1 {
			t.Errorf("expected one field error, got %v", m["fields"])
		}
	})

	t.Run("EmptyFieldIsScored", func(t *testing.T) {
		body := lowRiskBody()
		body["cardType"] = ""
		body["zipCode"] = ""

		rr := postPredict(t, server, body, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var p domain.Prediction
		if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
			t.Fatalf("decode prediction: %v", err)
		}
		if p.RiskScore != 0 || p.IsFraud {
			t.Errorf("unexpected verdict %+v", p.Verdict)
		}
	})

	t.Run("NullFieldIsMissing", func(t *testing.T) {
		body := lowRiskBody()
		body["country"] = nil

		rr := postPredict(t, server, body, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}
		if m := decodeMap(t, rr); m["error"] != "Missing field: country" {
			t.Errorf("unexpected error %v", m["error"])
		}
	})

	tests := []struct {
		name  string
		field string
		value any
	}{
		{"NonNumericAmount", "amount", "lots"},
		{"NegativeAmount", "amount", "-5"},
		{"ZeroAmount", "amount", 0},
		{"EmailWithoutAt", "email", "not-an-email"},
		{"OverflowAmount", "amount", "1e400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := lowRiskBody()
			body[tt.field] = tt.value

			rr := postPredict(t, server, body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
			m := decodeMap(t, rr)
			if msg, _ := m["error"].(string); !strings.Contains(msg, tt.field) {
				t.Errorf("expected error to name %q, got %q", tt.field, msg)
			}
		})
	}

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := postPredict(t, server, "{not json", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestPredictScorerUnavailable(t *testing.T) {
	deps := testDeps(t)
	deps.Scorer = nil
	server := newTestServer(deps)

	rr := postPredict(t, server, lowRiskBody(), nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if m := decodeMap(t, rr); m["error"] != "scorer not initialized" {
		t.Errorf("unexpected error %v", m["error"])
	}
}

func TestPredictIdempotentReplay(t *testing.T) {
	server := createTestServer(t)
	headers := map[string]string{IdempotencyKeyHeader: "order-42"}

	first := postPredict(t, server, lowRiskBody(), headers)
	if first.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", first.Code)
	}
	if first.Header().Get(IdempotentReplayedHeader) != "" {
		t.Error("first response must not be marked as replayed")
	}

	second := postPredict(t, server, lowRiskBody(), headers)
	if second.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", second.Code)
	}
	if second.Header().Get(IdempotentReplayedHeader) != "true" {
		t.Error("expected replayed header")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("expected identical bodies:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	third := postPredict(t, server, lowRiskBody(), map[string]string{IdempotencyKeyHeader: "order-43"})
	if third.Body.String() == first.Body.String() {
		t.Error("a new key must produce a new transaction")
	}
}

func TestPredictLogsRequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	server := createTestServer(t)
	rr := postPredict(t, server, lowRiskBody(), map[string]string{RequestIDHeader: "req-abc-123"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["msg"] == "transaction scored" {
			if entry["request_id"] != "req-abc-123" {
				t.Errorf("expected request_id req-abc-123, got %v", entry["request_id"])
			}
			return
		}
	}
	t.Fatalf("no scoring log line in output:\n%s", buf.String())
}

func TestPredictIdempotencyKeyBodyMismatch(t *testing.T) {
	server := createTestServer(t)
	headers := map[string]string{IdempotencyKeyHeader: "order-77"}

	first := postPredict(t, server, lowRiskBody(), headers)
	if first.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", first.Code)
	}

	rr := postPredict(t, server, highRiskBody(), headers)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(IdempotentReplayedHeader) != "" {
		t.Error("a rejected request must not be marked as replayed")
	}
	if m := decodeMap(t, rr); !strings.Contains(m["error"].(string), "different request body") {
		t.Errorf("unexpected error %v", m["error"])
	}

	again := postPredict(t, server, lowRiskBody(), headers)
	if again.Body.String() != first.Body.String() {
		t.Error("the original body must still replay after a mismatch")
	}
}

func TestPredictPublishesEvents(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	verdicts := make(chan *domain.Message, 4)
	alerts := make(chan *domain.Message, 4)
	b.Subscribe(ctx, domain.TopicVerdict, func(ctx context.Context, msg *domain.Message) error {
		verdicts <- msg
		return nil
	})
	b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	})

	deps := testDeps(t)
	deps.Publisher = events.NewPublisher(b, events.DefaultSettings(), deps.Metrics)
	server := newTestServer(deps)

	rr := postPredict(t, server, highRiskBody(), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	for name, ch := range map[string]chan *domain.Message{"verdict": verdicts, "alert": alerts} {
		select {
		case msg := <-ch:
			var event domain.VerdictEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				t.Fatalf("decode %s event: %v", name, err)
			}
			if event.RiskScore != 90 || !event.IsFraud {
				t.Errorf("unexpected %s event: %+v", name, event)
			}
			if strings.Contains(string(msg.Payload), "unknown-mail.xyz") {
				t.Errorf("%s event leaked the email address", name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", name)
		}
	}

	postPredict(t, server, lowRiskBody(), nil)
	select {
	case <-verdicts:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for legitimate verdict event")
	}
	select {
	case msg := <-alerts:
		t.Errorf("legitimate verdict must not alert: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	m := decodeMap(t, rr)
	if m["status"] != "running" || m["message"] != "Fraud Detection API" || m["model_loaded"] != true {
		t.Errorf("unexpected status body %v", m)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)

	if resp["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
	}
	if resp["timestamp"] != "2025-01-15T14:00:00Z" {
		t.Errorf("unexpected timestamp %q", resp["timestamp"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("Ready", func(t *testing.T) {
		server := createTestServer(t)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("NotReady", func(t *testing.T) {
		deps := testDeps(t)
		deps.Scorer = nil
		server := newTestServer(deps)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestRulesEndpoints(t *testing.T) {
	t.Run("ListRules", func(t *testing.T) {
		server := createTestServer(t)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/rules", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		m := decodeMap(t, rr)
		if m["count"] != float64(len(rules.BuiltinRules())) {
			t.Errorf("unexpected count %v", m["count"])
		}
		if m["source"] != "builtin" {
			t.Errorf("unexpected source %v", m["source"])
		}
	})

	t.Run("ReloadFromStore", func(t *testing.T) {
		deps := testDeps(t)
		deps.Store = &stubStore{rules: []*domain.RuleConfig{{
			ID:         "amount-any",
			Kind:       domain.KindRule,
			Name:       "Any amount",
			Expression: "amount > 0.0",
			Points:     70,
			Reason:     "Any amount",
			Position:   1,
			Enabled:    true,
		}}}
		server := newTestServer(deps)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/rules/reload", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if m := decodeMap(t, rr); m["count"] != float64(1) {
			t.Errorf("expected count 1, got %v", m["count"])
		}

		resp := postPredict(t, server, lowRiskBody(), nil)
		var p domain.Prediction
		json.Unmarshal(resp.Body.Bytes(), &p)
		if p.RiskScore != 70 || !p.IsFraud {
			t.Errorf("expected reloaded rule to apply, got %+v", p.Verdict)
		}
	})

	t.Run("ReloadRejectsInvalidTable", func(t *testing.T) {
		deps := testDeps(t)
		deps.Store = &stubStore{rules: []*domain.RuleConfig{{
			ID:         "broken",
			Kind:       domain.KindRule,
			Name:       "Broken",
			Expression: "amount +",
			Enabled:    true,
		}}}
		server := newTestServer(deps)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/rules/reload", nil))
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d", rr.Code)
		}
		if got := server.Handler().scorer.Engine().RulesCount(); got != len(rules.BuiltinRules()) {
			t.Errorf("expected previous table to stay loaded, got %d rules", got)
		}
	})

	t.Run("ReloadStoreError", func(t *testing.T) {
		deps := testDeps(t)
		deps.Store = &stubStore{listErr: errors.New("database is locked")}
		server := newTestServer(deps)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/rules/reload", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}

func postRule(t *testing.T, server *Server, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/rules", &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestGetRule(t *testing.T) {
	t.Run("FromLoadedTable", func(t *testing.T) {
		server := createTestServer(t)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/rules/card-discover", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var rule domain.RuleConfig
		if err := json.Unmarshal(rr.Body.Bytes(), &rule); err != nil {
			t.Fatalf("decode rule: %v", err)
		}
		if rule.ID != "card-discover" || rule.Points != 12 {
			t.Errorf("unexpected rule %+v", rule)
		}
	})

	t.Run("FromStoreIncludesDisabled", func(t *testing.T) {
		deps := testDeps(t)
		deps.Store = &stubStore{rules: []*domain.RuleConfig{{
			ID:         "parked",
			Kind:       domain.KindRule,
			Name:       "Parked rule",
			Expression: "amount > 1.0",
			Enabled:    false,
		}}}
		server := newTestServer(deps)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/rules/parked", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if m := decodeMap(t, rr); m["enabled"] != false {
			t.Errorf("expected disabled rule, got %v", m)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		for name, deps := range map[string]Deps{
			"builtin": testDeps(t),
			"store":   func() Deps { d := testDeps(t); d.Store = &stubStore{}; return d }(),
		} {
			server := newTestServer(deps)
			rr := httptest.NewRecorder()
			server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/rules/nope", nil))
			if rr.Code != http.StatusNotFound {
				t.Errorf("%s: expected status 404, got %d", name, rr.Code)
			}
		}
	})
}

func TestCreateRule(t *testing.T) {
	newRule := map[string]any{
		"id":         "amount-any",
		"kind":       "rule",
		"name":       "Any amount",
		"expression": "amount > 0.0",
		"points":     70,
		"reason":     "Any amount",
		"position":   1,
		"enabled":    true,
	}

	t.Run("SavesAndApplies", func(t *testing.T) {
		store := &stubStore{}
		deps := testDeps(t)
		deps.Store = store
		server := newTestServer(deps)

		rr := postRule(t, server, newRule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if len(store.rules) != 1 || store.rules[0].ID != "amount-any" {
			t.Fatalf("expected rule to be saved, got %+v", store.rules)
		}
		if m := decodeMap(t, rr); m["count"] != float64(1) {
			t.Errorf("expected count 1, got %v", m["count"])
		}

		resp := postPredict(t, server, lowRiskBody(), nil)
		var p domain.Prediction
		json.Unmarshal(resp.Body.Bytes(), &p)
		if p.RiskScore != 70 || !p.IsFraud {
			t.Errorf("expected saved rule to apply, got %+v", p.Verdict)
		}
	})

	t.Run("DefaultsKindToRule", func(t *testing.T) {
		store := &stubStore{}
		deps := testDeps(t)
		deps.Store = store
		server := newTestServer(deps)

		body := map[string]any{"id": "r1", "name": "R1", "expression": "amount > 1.0", "enabled": true}
		if rr := postRule(t, server, body); rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rr.Code)
		}
		if store.rules[0].Kind != domain.KindRule {
			t.Errorf("expected kind rule, got %s", store.rules[0].Kind)
		}
	})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"MissingExpression", map[string]any{"id": "x", "name": "X"}, http.StatusBadRequest},
		{"BadKind", map[string]any{"id": "x", "name": "X", "expression": "true", "kind": "bonus"}, http.StatusBadRequest},
		{"InvalidCEL", map[string]any{"id": "x", "name": "X", "expression": "amount +"}, http.StatusBadRequest},
		{"NonBoolCEL", map[string]any{"id": "x", "name": "X", "expression": "amount"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &stubStore{}
			deps := testDeps(t)
			deps.Store = store
			server := newTestServer(deps)

			rr := postRule(t, server, tt.body)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if len(store.rules) != 0 {
				t.Errorf("rejected rule must not be saved, got %+v", store.rules)
			}
		})
	}

	t.Run("InvalidJSON", func(t *testing.T) {
		deps := testDeps(t)
		deps.Store = &stubStore{}
		server := newTestServer(deps)

		rr := postRule(t, server, "{")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("SaveError", func(t *testing.T) {
		deps := testDeps(t)
		deps.Store = &stubStore{saveErr: errors.New("disk full")}
		server := newTestServer(deps)

		if rr := postRule(t, server, newRule); rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
		if got := server.Handler().scorer.Engine().RulesCount(); got != len(rules.BuiltinRules()) {
			t.Errorf("expected loaded table unchanged, got %d rules", got)
		}
	})

	t.Run("NoStore", func(t *testing.T) {
		server := createTestServer(t)
		if rr := postRule(t, server, newRule); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestStaticRoot(t *testing.T) {
	server := createTestServer(t)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Content-Type"), "text/html") {
		t.Errorf("unexpected content type %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), "fraudForm") {
		t.Error("expected the front-end page")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := createTestServer(t)
	postPredict(t, server, highRiskBody(), nil)

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`kestrel_predictions_total{outcome="fraud"} 1`,
		`kestrel_http_requests_total{method="POST",route="/predict",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	server := createTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://example.com")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Errorf("unexpected allow-origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestTracingMiddleware(t *testing.T) {
	server := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Header().Get(RequestIDHeader) != "req-123" {
		t.Errorf("expected request id echoed, got %q", rr.Header().Get(RequestIDHeader))
	}
	if rr.Header().Get(TraceIDHeader) == "" {
		t.Error("expected trace id header")
	}
}

func TestRecoverMiddleware(t *testing.T) {
	server := createTestServer(t)
	server.Router().Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
	if m := decodeMap(t, rr); m["error"] != "internal server error" {
		t.Errorf("unexpected body %v", m)
	}
}
