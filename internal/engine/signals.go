package engine

import (
	"math"

	"github.com/wekeza/nexus/internal/domain"
)

// Each signal scorer is a pure function from the enriched context to a
// 0..1000 component score plus the reason codes that fired. Scorers
// never touch the network; all lookups happen during enrichment.

const maxComponentScore = 1000

// componentResult pairs a clamped component score with its reasons.
type componentResult struct {
	score   int
	reasons []domain.Reason
}

func clamp(score int) int {
	if score > maxComponentScore {
		return maxComponentScore
	}
	if score < 0 {
		return 0
	}
	return score
}

// scoreVelocity rates transaction frequency and amount bursts.
func scoreVelocity(tc *domain.TransactionContext) componentResult {
	var r componentResult

	switch {
	case tc.RecentTransactionCount >= 5:
		r.score += 300
		r.reasons = append(r.reasons, domain.ReasonHighTransactionVelocity)
	case tc.RecentTransactionCount >= 3:
		r.score += 150
		r.reasons = append(r.reasons, domain.ReasonHighTransactionVelocity)
	}

	if tc.AverageTransactionAmount > 0 && tc.RecentTransactionAmount > tc.AverageTransactionAmount*10 {
		r.score += 250
		r.reasons = append(r.reasons, domain.ReasonHighAmountVelocity)
	}

	if tc.DailyTransactionCount > 20 {
		r.score += 200
		r.reasons = append(r.reasons, domain.ReasonUnusualTransactionPattern)
	}

	r.score = clamp(r.score)
	return r
}

// scoreBehavioral rates session biometrics. A missing capture is mildly
// suspicious on its own: legitimate channel front ends always send it.
func scoreBehavioral(tc *domain.TransactionContext) componentResult {
	var r componentResult

	b := tc.Behavioral
	if b == nil {
		r.score = 100
		return r
	}

	if b.IsOnActiveCall {
		r.score += 400
		r.reasons = append(r.reasons, domain.ReasonSocialEngineeringPattern)
	}
	if b.IsScreenShared {
		r.score += 350
		r.reasons = append(r.reasons, domain.ReasonSocialEngineeringPattern)
	}

	// A caller walking the victim through a first-time transfer is the
	// textbook vishing pattern; the combination is rated beyond what the
	// two signals contribute separately.
	if b.IsOnActiveCall && tc.IsFirstTimeBeneficiary {
		r.score += 250
		r.reasons = append(r.reasons, domain.ReasonSocialEngineeringPattern)
	}

	if b.BehaviorAnomalyScore > 0.7 {
		r.score += 300
		r.reasons = append(r.reasons, domain.ReasonAnomalousBehavior)
	}
	if b.SessionDuration > 0 && b.SessionDuration < 5 {
		r.score += 200
		r.reasons = append(r.reasons, domain.ReasonAnomalousBehavior)
	}
	if b.CopyPasteCount > 3 {
		r.score += 150
		r.reasons = append(r.reasons, domain.ReasonAnomalousBehavior)
	}

	r.score = clamp(r.score)
	r.reasons = dedupeReasons(r.reasons)
	return r
}

// scoreRelationship rates the sender-beneficiary relationship.
func scoreRelationship(tc *domain.TransactionContext, circular bool) componentResult {
	var r componentResult

	if tc.IsFirstTimeBeneficiary {
		r.score += 200
		r.reasons = append(r.reasons, domain.ReasonFirstTimeBeneficiary)
	}

	// A beneficiary account opened days ago receiving transfers is the
	// classic mule account setup.
	if tc.BeneficiaryAccountAgeDays != nil && *tc.BeneficiaryAccountAgeDays < 7 {
		r.score += 350
		r.reasons = append(r.reasons,
			domain.ReasonNewAccountBeneficiary, domain.ReasonMuleAccountPattern)
	}

	if circular {
		r.score += 400
		r.reasons = append(r.reasons, domain.ReasonCircularTransaction)
	}

	r.score = clamp(r.score)
	return r
}

// scoreAmount rates the amount against the user's baseline.
func scoreAmount(tc *domain.TransactionContext) componentResult {
	var r componentResult

	deviation := tc.AmountDeviationPercent()
	switch {
	case deviation > 500:
		r.score += 300
		r.reasons = append(r.reasons, domain.ReasonUnusuallyHighAmount)
	case deviation > 200:
		r.score += 150
		r.reasons = append(r.reasons, domain.ReasonUnusuallyHighAmount)
	}

	// Large round amounts are typical of coached transfers.
	if tc.Amount >= 100000 && math.Mod(tc.Amount, 10000) == 0 {
		r.score += 50
		r.reasons = append(r.reasons, domain.ReasonRoundAmountPattern)
	}

	if tc.Amount > 1000000 {
		r.score += 200
		r.reasons = append(r.reasons, domain.ReasonUnusuallyHighAmount)
	}

	r.score = clamp(r.score)
	r.reasons = dedupeReasons(r.reasons)
	return r
}

// scoreDevice rates device and network intelligence. A missing
// fingerprint carries a small baseline penalty.
func scoreDevice(tc *domain.TransactionContext) componentResult {
	var r componentResult

	d := tc.Device
	if d == nil {
		r.score = 50
		return r
	}

	if !d.IsRecognizedDevice {
		r.score += 150
		r.reasons = append(r.reasons, domain.ReasonDeviceMismatch)
	}
	if d.IsVpnOrProxy {
		r.score += 100
		r.reasons = append(r.reasons, domain.ReasonLocationAnomaly)
	}
	if last, ok := tc.Metadata["lastKnownLocation"].(string); ok &&
		last != "" && d.Location != "" && last != d.Location {
		r.score += 100
		r.reasons = append(r.reasons, domain.ReasonLocationAnomaly)
	}

	r.score = clamp(r.score)
	r.reasons = dedupeReasons(r.reasons)
	return r
}

func dedupeReasons(reasons []domain.Reason) []domain.Reason {
	if len(reasons) < 2 {
		return reasons
	}
	seen := make(map[domain.Reason]bool, len(reasons))
	out := reasons[:0]
	for _, r := range reasons {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// fallbackReason maps a component to the generic reason attributed when
// a non-Allow decision would otherwise carry no reasons.
var fallbackReason = map[string]domain.Reason{
	"velocity":     domain.ReasonHighTransactionVelocity,
	"behavioral":   domain.ReasonAnomalousBehavior,
	"relationship": domain.ReasonFirstTimeBeneficiary,
	"amount":       domain.ReasonUnusuallyHighAmount,
	"device":       domain.ReasonDeviceMismatch,
}
