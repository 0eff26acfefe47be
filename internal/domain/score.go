package domain

// Decision is the outcome of a fraud evaluation.
type Decision string

const (
	DecisionAllow  Decision = "Allow"
	DecisionReview Decision = "Review"
	DecisionBlock  Decision = "Block"
)

// RiskLevel is a coarser bucketing of the total score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// Reason is a machine-readable fraud indicator. The vocabulary is closed:
// downstream analytics rely on this exact set, so reasons are persisted as
// an explicit JSON list, never as joined free text.
type Reason string

const (
	ReasonHighTransactionVelocity   Reason = "HIGH_TRANSACTION_VELOCITY"
	ReasonHighAmountVelocity        Reason = "HIGH_AMOUNT_VELOCITY"
	ReasonUnusualTransactionPattern Reason = "UNUSUAL_TRANSACTION_PATTERN"
	ReasonAnomalousBehavior         Reason = "ANOMALOUS_BEHAVIOR"
	ReasonSocialEngineeringPattern  Reason = "SOCIAL_ENGINEERING_PATTERN"
	ReasonFirstTimeBeneficiary      Reason = "FIRST_TIME_BENEFICIARY"
	ReasonNewAccountBeneficiary     Reason = "NEW_ACCOUNT_BENEFICIARY"
	ReasonMuleAccountPattern        Reason = "MULE_ACCOUNT_PATTERN"
	ReasonCircularTransaction       Reason = "CIRCULAR_TRANSACTION"
	ReasonUnusuallyHighAmount       Reason = "UNUSUALLY_HIGH_AMOUNT"
	ReasonRoundAmountPattern        Reason = "ROUND_AMOUNT_PATTERN"
	ReasonDeviceMismatch            Reason = "DEVICE_MISMATCH"
	ReasonLocationAnomaly           Reason = "LOCATION_ANOMALY"
	ReasonPolicyOverride            Reason = "POLICY_OVERRIDE"
	ReasonDegradedSignal            Reason = "DEGRADED_SIGNAL"
)

var validReasons = map[Reason]bool{
	ReasonHighTransactionVelocity:   true,
	ReasonHighAmountVelocity:        true,
	ReasonUnusualTransactionPattern: true,
	ReasonAnomalousBehavior:         true,
	ReasonSocialEngineeringPattern:  true,
	ReasonFirstTimeBeneficiary:      true,
	ReasonNewAccountBeneficiary:     true,
	ReasonMuleAccountPattern:        true,
	ReasonCircularTransaction:       true,
	ReasonUnusuallyHighAmount:       true,
	ReasonRoundAmountPattern:        true,
	ReasonDeviceMismatch:            true,
	ReasonLocationAnomaly:           true,
	ReasonPolicyOverride:            true,
	ReasonDegradedSignal:            true,
}

// Valid reports whether r belongs to the closed reason vocabulary.
func (r Reason) Valid() bool {
	return validReasons[r]
}

// ComponentScores holds the five independently computed signal scores,
// each normalized to 0..1000 before weighting.
type ComponentScores struct {
	Velocity     int `json:"velocity"`
	Behavioral   int `json:"behavioral"`
	Relationship int `json:"relationship"`
	Amount       int `json:"amount"`
	Device       int `json:"device"`
}

// FraudScore is the immutable result of one evaluation. It is computed
// once, embedded in the FraudEvaluation aggregate, and never mutated.
type FraudScore struct {
	Components ComponentScores `json:"components"`

	// TotalScore is the weighted combination on a 0..1000 scale.
	TotalScore int `json:"totalScore"`

	Decision  Decision  `json:"decision"`
	RiskLevel RiskLevel `json:"riskLevel"`

	// Reasons is ordered by contribution, highest first. A non-Allow
	// decision always carries at least one reason.
	Reasons []Reason `json:"reasons"`

	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"` // 0..1
}

// HasReason reports whether the score carries the given reason code.
func (s *FraudScore) HasReason(r Reason) bool {
	for _, got := range s.Reasons {
		if got == r {
			return true
		}
	}
	return false
}
