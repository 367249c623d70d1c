// Package decision turns an accumulated risk score into a Verdict.
package decision

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Processor maps risk scores to verdicts.
type Processor struct {
	// Score at or above which a transaction is flagged as fraud
	FraudThreshold int

	// Upper clamp for fraud_probability
	MaxFraudProbability float64
}

// NewProcessor creates a processor with default settings.
func NewProcessor() *Processor {
	return &Processor{
		FraudThreshold:      60,
		MaxFraudProbability: 0.95,
	}
}

// Decide builds the verdict for a score and the reasons that produced it.
// The two probabilities always sum to exactly 1.
func (p *Processor) Decide(score int, reasons []string) *domain.Verdict {
	fraudProb := math.Min(float64(score)/100, p.MaxFraudProbability)
	if fraudProb < 0 {
		fraudProb = 0
	}
	legitProb := 1 - fraudProb

	if reasons == nil {
		reasons = []string{}
	}

	return &domain.Verdict{
		IsFraud:               score >= p.FraudThreshold,
		FraudProbability:      fraudProb,
		LegitimateProbability: legitProb,
		Confidence:            math.Max(fraudProb, legitProb) * 100,
		RiskScore:             score,
		FraudReasons:          reasons,
	}
}

// ShouldAlert returns true if the verdict should be published as an alert.
func ShouldAlert(v *domain.Verdict) bool {
	return v != nil && v.IsFraud
}
