// Package events publishes verdict events to the event bus.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrBusUnavailable is returned while the breaker is open.
var ErrBusUnavailable = errors.New("event bus unavailable: circuit breaker is open")

// Settings configures the publisher's circuit breaker.
type Settings struct {
	Name         string
	MaxRequests  uint32        // allowed through while half-open
	Interval     time.Duration // closed-state counter reset period
	Timeout      time.Duration // open-state duration before half-open
	FailureRatio float64
	MinRequests  uint32
}

// DefaultSettings returns breaker settings for the verdict publisher.
func DefaultSettings() Settings {
	return Settings{
		Name:         "event-bus",
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// Publisher sends VerdictEvents through a circuit breaker.
type Publisher struct {
	bus     domain.EventBus
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewPublisher wraps bus in a circuit breaker. m may be nil.
func NewPublisher(bus domain.EventBus, st Settings, m *metrics.Metrics) *Publisher {
	if st.Name == "" {
		st.Name = "event-bus"
	}
	if st.FailureRatio <= 0 {
		st.FailureRatio = 0.5
	}
	if st.MinRequests == 0 {
		st.MinRequests = 5
	}

	gs := gobreaker.Settings{
		Name:        st.Name,
		MaxRequests: st.MaxRequests,
		Interval:    st.Interval,
		Timeout:     st.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= st.MinRequests && ratio >= st.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			m.SetBreakerState(name, float64(to))
		},
	}

	m.SetBreakerState(st.Name, float64(gobreaker.StateClosed))

	return &Publisher{
		bus:     bus,
		cb:      gobreaker.NewCircuitBreaker(gs),
		metrics: m,
	}
}

// PublishVerdict emits the verdict event, plus an alert when the verdict is fraud.
func (p *Publisher) PublishVerdict(ctx context.Context, event *domain.VerdictEvent, v *domain.Verdict) error {
	if p == nil || p.bus == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict event: %w", err)
	}

	err = p.publish(ctx, domain.TopicVerdict, payload)
	if decision.ShouldAlert(v) {
		err = errors.Join(err, p.publish(ctx, domain.TopicAlert, payload))
	}
	return err
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.bus.Publish(ctx, topic, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = ErrBusUnavailable
	}
	p.metrics.ObserveEvent(topic, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// State returns the breaker state.
func (p *Publisher) State() gobreaker.State {
	return p.cb.State()
}

// NewVerdictEvent builds the event for a scored transaction.
func NewVerdictEvent(txID string, at time.Time, tx *domain.Transaction, v *domain.Verdict) *domain.VerdictEvent {
	return &domain.VerdictEvent{
		TransactionID: txID,
		Timestamp:     at.Format(time.RFC3339Nano),
		Amount:        tx.Amount.InexactFloat64(),
		CardType:      tx.CardType,
		DeviceType:    tx.DeviceType,
		Country:       tx.Country,
		IsFraud:       v.IsFraud,
		RiskScore:     v.RiskScore,
		Probability:   v.FraudProbability,
		Reasons:       v.FraudReasons,
	}
}
