// Package scoring implements the transaction risk scorer.
package scoring

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Scorer evaluates transactions against the loaded rule table.
// It performs no I/O and keeps no state between calls, so one Scorer is
// shared by all request goroutines.
type Scorer struct {
	engine    *rules.Engine
	processor *decision.Processor
}

// NewScorer creates a scorer over an engine and a decision processor.
func NewScorer(engine *rules.Engine, processor *decision.Processor) (*Scorer, error) {
	if engine == nil {
		return nil, fmt.Errorf("rule engine is required")
	}
	if processor == nil {
		processor = decision.NewProcessor()
	}
	return &Scorer{engine: engine, processor: processor}, nil
}

// Score evaluates tx as if it were processed at the given time.
// The hour and weekday of at, in its own location, feed the time rules.
func (s *Scorer) Score(tx *domain.Transaction, at time.Time) (*domain.Verdict, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction is required", domain.ErrInvalidInput)
	}

	emailDomain, err := tx.EmailDomain()
	if err != nil {
		return nil, err
	}

	input := &rules.Input{
		Amount:      tx.Amount.InexactFloat64(),
		CardType:    tx.CardType,
		DeviceType:  tx.DeviceType,
		Country:     tx.Country,
		EmailDomain: emailDomain,
		Hour:        at.Hour(),
		Weekday:     mondayFirst(at.Weekday()),
	}

	result, err := s.engine.Evaluate(input)
	if err != nil {
		return nil, fmt.Errorf("rule evaluation failed: %w", err)
	}

	return s.processor.Decide(result.Score, result.Reasons()), nil
}

// Engine returns the rule engine backing the scorer.
func (s *Scorer) Engine() *rules.Engine {
	return s.engine
}

// mondayFirst converts time.Weekday (Sunday=0) to Monday=0 .. Sunday=6.
func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}
