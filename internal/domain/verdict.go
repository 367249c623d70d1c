package domain

// Verdict is the outcome of scoring one transaction.
type Verdict struct {
	IsFraud               bool     `json:"is_fraud"`
	FraudProbability      float64  `json:"fraud_probability"`
	LegitimateProbability float64  `json:"legitimate_probability"`
	Confidence            float64  `json:"confidence"`
	RiskScore             int      `json:"risk_score"`
	FraudReasons          []string `json:"fraud_reasons"`
}

// Prediction is the /predict response body: the verdict plus request metadata.
type Prediction struct {
	*Verdict
	TransactionID string  `json:"transaction_id"`
	Timestamp     string  `json:"timestamp"`
	Amount        float64 `json:"amount"`
}
