// Package domain defines the core interfaces and types for Nexus.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidContext marks a malformed transaction context. It is surfaced
// to callers as a rejection distinct from a fraud decision.
var ErrInvalidContext = errors.New("invalid transaction context")

// TransactionContext is the complete input for one fraud evaluation.
// It is built fresh per request and never persisted as-is; only the
// resulting FraudEvaluation is stored.
type TransactionContext struct {
	// Core identifiers
	ID     string `json:"id"`
	UserID string `json:"userId"`

	// TransactionReference is the banking system's unique reference for
	// the proposed transaction. Evaluation is idempotent per reference.
	TransactionReference string `json:"transactionReference"`

	// Parties
	FromAccount string `json:"fromAccount"`
	ToAccount   string `json:"toAccount"`

	// Financial details
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	TransactionType string  `json:"transactionType"` // "transfer", "payment", "withdrawal"
	Description     string  `json:"description,omitempty"`

	// Capture-side signals, collected by the channel front end.
	Device     *DeviceFingerprint `json:"device,omitempty"`
	Behavioral *BehavioralMetrics `json:"behavioral,omitempty"`

	// Temporal
	TransactionTime time.Time `json:"transactionTime"`

	// Velocity signals. Callers may pre-populate these; the scoring
	// engine refreshes them from the velocity service where possible.
	IsFirstTimeBeneficiary    bool    `json:"isFirstTimeBeneficiary"`
	BeneficiaryAccountAgeDays *int    `json:"beneficiaryAccountAgeDays,omitempty"`
	RecentTransactionCount    int     `json:"recentTransactionCount"`
	RecentTransactionAmount   float64 `json:"recentTransactionAmount"`
	DailyTransactionCount     int     `json:"dailyTransactionCount"`
	DailyTransactionAmount    float64 `json:"dailyTransactionAmount"`
	AverageTransactionAmount  float64 `json:"averageTransactionAmount"`

	// Session
	SessionID string `json:"sessionId,omitempty"`
	Channel   string `json:"channel,omitempty"` // "web", "mobile", "atm", "ussd"

	// Free-form metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate rejects contexts that cannot be scored. Scoring never starts
// on a context that fails validation.
func (c *TransactionContext) Validate() error {
	switch {
	case c.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidContext)
	case c.TransactionReference == "":
		return fmt.Errorf("%w: transactionReference is required", ErrInvalidContext)
	case c.FromAccount == "":
		return fmt.Errorf("%w: fromAccount is required", ErrInvalidContext)
	case c.ToAccount == "":
		return fmt.Errorf("%w: toAccount is required", ErrInvalidContext)
	case c.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidContext)
	case c.Currency == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidContext)
	}
	return nil
}

// AmountDeviationPercent returns the percentage deviation of the current
// amount from the user's historical average. Zero when no baseline exists.
func (c *TransactionContext) AmountDeviationPercent() float64 {
	if c.AverageTransactionAmount <= 0 {
		return 0
	}
	return (c.Amount - c.AverageTransactionAmount) / c.AverageTransactionAmount * 100
}

// DeviceFingerprint captures device and network intelligence for the
// session that initiated the transaction.
type DeviceFingerprint struct {
	DeviceID           string `json:"deviceId"`
	DeviceType         string `json:"deviceType,omitempty"` // "mobile", "desktop", "tablet"
	OperatingSystem    string `json:"operatingSystem,omitempty"`
	Browser            string `json:"browser,omitempty"`
	ScreenResolution   string `json:"screenResolution,omitempty"`
	IPAddress          string `json:"ipAddress,omitempty"`
	Location           string `json:"location,omitempty"`
	NetworkProvider    string `json:"networkProvider,omitempty"`
	IsVpnOrProxy       bool   `json:"isVpnOrProxy"`
	IsRecognizedDevice bool   `json:"isRecognizedDevice"`
}

// BehavioralMetrics captures behavioral biometrics for the session.
// These signals are ephemeral: they cannot be reproduced after the
// original session ends, which is why challenge re-evaluation never
// re-runs scoring.
type BehavioralMetrics struct {
	TypingSpeed          float64 `json:"typingSpeed,omitempty"`        // chars/min
	MouseVelocity        float64 `json:"mouseVelocity,omitempty"`      // px/sec
	FieldHesitationTime  float64 `json:"fieldHesitationTime,omitempty"` // seconds
	CopyPasteCount       int     `json:"copyPasteCount"`
	IsOnActiveCall       bool    `json:"isOnActiveCall"`
	IsScreenShared       bool    `json:"isScreenShared"`
	SessionDuration      float64 `json:"sessionDuration"` // seconds
	FieldErrorCount      int     `json:"fieldErrorCount"`
	UsedBiometricAuth    bool    `json:"usedBiometricAuth"`
	BehaviorAnomalyScore float64 `json:"behaviorAnomalyScore"` // 0..1
}
