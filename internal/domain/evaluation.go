package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBlockFinal is returned when a passed challenge attempts to lift a
// Block decision. A challenge may only move Review to Allowed.
var ErrBlockFinal = errors.New("blocked evaluation cannot be allowed by challenge")

// FraudEvaluation is the persisted audit record for one evaluation.
//
// Mutation contract: after creation only WasAllowed, AnalystNotes,
// WasActualFraud and UpdatedAt may change; everything else is write-once.
// The two mutation paths (challenge outcome, analyst review) are
// serialized per row via the Version field.
type FraudEvaluation struct {
	ID                   string     `json:"id"`
	TransactionContextID string     `json:"transactionContextId"`
	UserID               string     `json:"userId"`
	TransactionReference string     `json:"transactionReference"`
	Amount               float64    `json:"amount"`
	Score                FraudScore `json:"score"`
	EvaluatedAt          time.Time  `json:"evaluatedAt"`
	ProcessingTimeMs     int64      `json:"processingTimeMs"`
	ModelVersion         string     `json:"modelVersion"`
	WasAllowed           bool       `json:"wasAllowed"`
	RequiresReview       bool       `json:"requiresReview"`
	AnalystNotes         *string    `json:"analystNotes,omitempty"`
	WasActualFraud       *bool      `json:"wasActualFraud,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            *time.Time `json:"updatedAt,omitempty"`

	// Version guards concurrent row mutation (optimistic concurrency).
	Version int64 `json:"version"`
}

// NewEvaluation builds the audit record for a freshly computed score.
func NewEvaluation(tc *TransactionContext, score FraudScore, processingTimeMs int64, modelVersion string) *FraudEvaluation {
	now := time.Now().UTC()
	return &FraudEvaluation{
		ID:                   uuid.New().String(),
		TransactionContextID: tc.ID,
		UserID:               tc.UserID,
		TransactionReference: tc.TransactionReference,
		Amount:               tc.Amount,
		Score:                score,
		EvaluatedAt:          now,
		ProcessingTimeMs:     processingTimeMs,
		ModelVersion:         modelVersion,
		WasAllowed:           score.Decision == DecisionAllow,
		RequiresReview:       score.Decision == DecisionReview,
		CreatedAt:            now,
		Version:              1,
	}
}

// ApplyChallengeOutcome records the result of a secondary authentication
// challenge. A passed challenge may only move Review to Allowed; a Block
// decision is final. RequiresReview stays set as historical fact, and the
// risk level is never downgraded.
func (e *FraudEvaluation) ApplyChallengeOutcome(passed bool) error {
	if passed && e.Score.Decision == DecisionBlock {
		return ErrBlockFinal
	}

	e.WasAllowed = passed && e.Score.Decision != DecisionBlock
	now := time.Now().UTC()
	e.UpdatedAt = &now
	return nil
}

// ApplyAnalystReview records the analyst verdict. WasActualFraud feeds
// model backtesting against the versioned scoring configuration.
func (e *FraudEvaluation) ApplyAnalystReview(notes string, wasActualFraud bool) {
	e.AnalystNotes = &notes
	e.WasActualFraud = &wasActualFraud
	now := time.Now().UTC()
	e.UpdatedAt = &now
}
