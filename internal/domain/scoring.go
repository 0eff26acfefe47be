package domain

import (
	"encoding/json"
	"fmt"
	"os"
)

// ScoringConfig is the versioned, tunable model configuration: signal
// weights, decision thresholds, risk buckets and policy override rules.
// It is loaded from a JSON file rather than compiled in, so weights can
// be retuned and backtested against the was_actual_fraud feedback field
// without a deploy; ModelVersion is stamped on every evaluation.
type ScoringConfig struct {
	ModelVersion string `json:"modelVersion"`

	Weights SignalWeights `json:"weights"`

	// ReviewThreshold (T1) and BlockThreshold (T2) partition the 0..1000
	// total: Allow < T1 <= Review < T2 <= Block.
	ReviewThreshold int `json:"reviewThreshold"`
	BlockThreshold  int `json:"blockThreshold"`

	// Risk bucket floors. Totals below MediumFloor are Low.
	MediumFloor   int `json:"mediumFloor"`
	HighFloor     int `json:"highFloor"`
	CriticalFloor int `json:"criticalFloor"`

	// DefaultAverageAmount is the conservative baseline used when a user
	// has no maintained average. Never zero: zero would make every new
	// user's first transaction look infinitely anomalous.
	DefaultAverageAmount float64 `json:"defaultAverageAmount"`

	// SignalTimeoutMs bounds each signal source lookup; a source that
	// misses the budget degrades to its fail-safe default.
	SignalTimeoutMs int `json:"signalTimeoutMs"`

	// BaseConfidence is the confidence of a fully informed evaluation;
	// each degraded signal subtracts ConfidencePenalty.
	BaseConfidence    float64 `json:"baseConfidence"`
	ConfidencePenalty float64 `json:"confidencePenalty"`

	// Policies are CEL guard rules evaluated after signal scoring; a
	// matched rule can force the decision to Review or Block.
	Policies []PolicyRule `json:"policies,omitempty"`
}

// SignalWeights holds the weight of each component score in the total.
type SignalWeights struct {
	Velocity     float64 `json:"velocity"`
	Behavioral   float64 `json:"behavioral"`
	Relationship float64 `json:"relationship"`
	Amount       float64 `json:"amount"`
	Device       float64 `json:"device"`
}

// PolicyRule is a tunable guard rule expressed in CEL. Rules let risk
// operations force a decision (for example a hard block on very large
// first-time transfers) without touching the weighted model.
type PolicyRule struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Action      string `json:"action"` // "review" or "block"
	Enabled     bool   `json:"enabled"`
}

// DefaultScoringConfig returns the baseline ensemble model.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		ModelVersion: "nexus-1.0.0",
		Weights: SignalWeights{
			Velocity:     0.30,
			Behavioral:   0.25,
			Relationship: 0.25,
			Amount:       0.15,
			Device:       0.05,
		},
		ReviewThreshold:      400,
		BlockThreshold:       700,
		MediumFloor:          250,
		HighFloor:            500,
		CriticalFloor:        750,
		DefaultAverageAmount: 5000,
		SignalTimeoutMs:      100,
		BaseConfidence:       0.85,
		ConfidencePenalty:    0.15,
	}
}

// LoadScoringConfig reads a scoring configuration from a JSON file and
// validates it.
func LoadScoringConfig(path string) (ScoringConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScoringConfig{}, fmt.Errorf("failed to read scoring config: %w", err)
	}

	cfg := DefaultScoringConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ScoringConfig{}, fmt.Errorf("failed to parse scoring config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return ScoringConfig{}, err
	}
	return cfg, nil
}

// Validate checks threshold ordering and weight sanity.
func (c *ScoringConfig) Validate() error {
	if c.ModelVersion == "" {
		return fmt.Errorf("scoring config: modelVersion is required")
	}
	if c.ReviewThreshold <= 0 || c.BlockThreshold <= c.ReviewThreshold {
		return fmt.Errorf("scoring config: thresholds must satisfy 0 < review < block, got %d/%d",
			c.ReviewThreshold, c.BlockThreshold)
	}
	if c.MediumFloor >= c.HighFloor || c.HighFloor >= c.CriticalFloor {
		return fmt.Errorf("scoring config: risk floors must be strictly increasing")
	}
	sum := c.Weights.Velocity + c.Weights.Behavioral + c.Weights.Relationship +
		c.Weights.Amount + c.Weights.Device
	if sum <= 0.99 || sum >= 1.01 {
		return fmt.Errorf("scoring config: signal weights must sum to 1.0, got %.3f", sum)
	}
	for _, p := range c.Policies {
		if p.Action != "review" && p.Action != "block" {
			return fmt.Errorf("scoring config: policy %s: action must be review or block", p.ID)
		}
	}
	return nil
}

// DecisionFor maps a total score to a decision using the thresholds.
func (c *ScoringConfig) DecisionFor(total int) Decision {
	switch {
	case total >= c.BlockThreshold:
		return DecisionBlock
	case total >= c.ReviewThreshold:
		return DecisionReview
	default:
		return DecisionAllow
	}
}

// RiskLevelFor maps a total score to a risk level bucket.
func (c *ScoringConfig) RiskLevelFor(total int) RiskLevel {
	switch {
	case total >= c.CriticalFloor:
		return RiskCritical
	case total >= c.HighFloor:
		return RiskHigh
	case total >= c.MediumFloor:
		return RiskMedium
	default:
		return RiskLow
	}
}
