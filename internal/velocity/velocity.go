// Package velocity provides transaction velocity tracking for fraud scoring.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/wekeza/nexus/internal/domain"
)

// Velocity windows and retention periods.
const (
	// ShortWindowMinutes is the burst window for transaction counting.
	ShortWindowMinutes = 10

	// DailyWindowMinutes covers rolling 24h totals.
	DailyWindowMinutes = 1440

	// beneficiaryTTL is how long a beneficiary stays "known" after the
	// last transfer to it.
	beneficiaryTTL = 30 * 24 * time.Hour

	// graphTTL bounds the lookback for circular transaction detection.
	graphTTL = 24 * time.Hour

	// avgTTL keeps the running average alive for inactive users for a
	// year before it falls back to the conservative default.
	avgTTL = 365 * 24 * time.Hour

	// avgDecay is the EWMA factor for the running average amount. Low
	// weight on the newest transaction so one large transfer does not
	// drag the baseline up and mask a follow-up.
	avgDecay = 0.1
)

// Service tracks per-user transaction velocity in the velocity store.
//
// All read paths are fail-open: when the store is unavailable they
// return a fail-safe default together with the error, so the caller can
// keep evaluating on partial signals and use the error to lower its
// confidence. A velocity store outage must never take payments down
// with it.
type Service struct {
	store          domain.VelocityStore
	logger         *slog.Logger
	defaultAverage float64
}

// NewService creates a velocity tracking service.
func NewService(store domain.VelocityStore, defaultAverage float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultAverage <= 0 {
		defaultAverage = domain.DefaultScoringConfig().DefaultAverageAmount
	}
	return &Service{
		store:          store,
		logger:         logger,
		defaultAverage: defaultAverage,
	}
}

func countKey(userID string, windowMinutes int) string {
	return fmt.Sprintf("velocity:count:%s:%dm", userID, windowMinutes)
}

func amountKey(userID string, windowMinutes int) string {
	return fmt.Sprintf("velocity:amount:%s:%dm", userID, windowMinutes)
}

func beneficiariesKey(userID string) string {
	return fmt.Sprintf("velocity:beneficiaries:%s", userID)
}

func graphKey(fromAccount, toAccount string) string {
	return fmt.Sprintf("velocity:graph:%s:%s", fromAccount, toAccount)
}

func avgKey(userID string) string {
	return fmt.Sprintf("velocity:avg:%s", userID)
}

func accountAgeKey(account string) string {
	return fmt.Sprintf("velocity:account_age:%s", account)
}

// GetTransactionCount returns the number of transactions the user made
// within the window. Fail-open: 0 on store failure.
func (s *Service) GetTransactionCount(ctx context.Context, userID string, windowMinutes int) (int64, error) {
	count, err := s.store.GetCounter(ctx, countKey(userID, windowMinutes))
	if err != nil {
		s.logger.Warn("velocity count read failed",
			"user_id", userID, "window_minutes", windowMinutes, "error", err)
		return 0, err
	}
	return count, nil
}

// GetTransactionAmount returns the total amount the user moved within
// the window. Fail-open: 0 on store failure.
func (s *Service) GetTransactionAmount(ctx context.Context, userID string, windowMinutes int) (float64, error) {
	amount, err := s.store.GetAmount(ctx, amountKey(userID, windowMinutes))
	if err != nil {
		s.logger.Warn("velocity amount read failed",
			"user_id", userID, "window_minutes", windowMinutes, "error", err)
		return 0, err
	}
	return amount, nil
}

// GetAverageTransactionAmount returns the user's running average
// transaction amount, or the conservative default when the user has no
// history or the store is unavailable. The default is never zero.
func (s *Service) GetAverageTransactionAmount(ctx context.Context, userID string) (float64, error) {
	val, found, err := s.store.GetValue(ctx, avgKey(userID))
	if err != nil {
		s.logger.Warn("average amount read failed", "user_id", userID, "error", err)
		return s.defaultAverage, err
	}
	if !found {
		return s.defaultAverage, nil
	}
	avg, perr := strconv.ParseFloat(val, 64)
	if perr != nil || avg <= 0 {
		return s.defaultAverage, nil
	}
	return avg, nil
}

// IsFirstTimeBeneficiary reports whether the user has never sent to
// this account within the retention window. Fail-open: false on store
// failure, so a store outage does not flag every transfer as a
// first-time beneficiary; the caller's confidence penalty accounts for
// the missing signal.
func (s *Service) IsFirstTimeBeneficiary(ctx context.Context, userID, toAccount string) (bool, error) {
	known, err := s.store.SetContains(ctx, beneficiariesKey(userID), toAccount)
	if err != nil {
		s.logger.Warn("beneficiary lookup failed",
			"user_id", userID, "to_account", toAccount, "error", err)
		return false, err
	}
	return !known, nil
}

// GetAccountAgeDays returns the known age of an account in days, or nil
// when the age is not on record. Fail-open: nil on store failure.
func (s *Service) GetAccountAgeDays(ctx context.Context, account string) (*int, error) {
	val, found, err := s.store.GetValue(ctx, accountAgeKey(account))
	if err != nil {
		s.logger.Warn("account age lookup failed", "account", account, "error", err)
		return nil, err
	}
	if !found {
		return nil, nil
	}
	days, perr := strconv.Atoi(val)
	if perr != nil {
		return nil, nil
	}
	return &days, nil
}

// DetectCircularTransaction reports whether money recently flowed in
// the opposite direction, i.e. the destination account sent funds to
// the source account within the lookback. A->B followed by B->A within
// a day is a classic layering pattern. The stored edge expires after
// graphTTL (24h), so a longer lookback is effectively capped at that
// retention. Fail-open: false on store failure.
func (s *Service) DetectCircularTransaction(ctx context.Context, fromAccount, toAccount string, lookback time.Duration) (bool, error) {
	val, found, err := s.store.GetValue(ctx, graphKey(toAccount, fromAccount))
	if err != nil {
		s.logger.Warn("circular detection failed",
			"from_account", fromAccount, "to_account", toAccount, "error", err)
		return false, err
	}
	if !found {
		return false, nil
	}
	sentAt, perr := time.Parse(time.RFC3339, val)
	if perr != nil {
		return false, nil
	}
	return time.Since(sentAt) <= lookback, nil
}

// RecordTransaction updates all velocity state for a completed
// transaction: burst and daily counters and amounts, the beneficiary
// set, the directed transfer edge, and the running average. Partial
// failure is reported but does not roll back the updates that landed.
func (s *Service) RecordTransaction(ctx context.Context, tc *domain.TransactionContext) error {
	var firstErr error
	record := func(op string, err error) {
		if err != nil {
			s.logger.Warn("velocity record step failed",
				"op", op, "user_id", tc.UserID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	_, err := s.store.IncrCounter(ctx, countKey(tc.UserID, ShortWindowMinutes), ShortWindowMinutes*time.Minute)
	record("incr short count", err)

	_, err = s.store.IncrCounter(ctx, countKey(tc.UserID, DailyWindowMinutes), DailyWindowMinutes*time.Minute)
	record("incr daily count", err)

	_, err = s.store.IncrAmount(ctx, amountKey(tc.UserID, ShortWindowMinutes), tc.Amount, ShortWindowMinutes*time.Minute)
	record("incr short amount", err)

	_, err = s.store.IncrAmount(ctx, amountKey(tc.UserID, DailyWindowMinutes), tc.Amount, DailyWindowMinutes*time.Minute)
	record("incr daily amount", err)

	err = s.store.AddToSet(ctx, beneficiariesKey(tc.UserID), tc.ToAccount, beneficiaryTTL)
	record("add beneficiary", err)

	err = s.store.SetValue(ctx, graphKey(tc.FromAccount, tc.ToAccount),
		time.Now().UTC().Format(time.RFC3339), graphTTL)
	record("record transfer edge", err)

	err = s.updateAverageAmount(ctx, tc.UserID, tc.Amount)
	record("update average", err)

	return firstErr
}

// SetAccountAge records the known age of an account in days.
func (s *Service) SetAccountAge(ctx context.Context, account string, days int) error {
	return s.store.SetValue(ctx, accountAgeKey(account), strconv.Itoa(days), avgTTL)
}

// updateAverageAmount blends the new amount into the running average.
func (s *Service) updateAverageAmount(ctx context.Context, userID string, amount float64) error {
	avg := amount
	val, found, err := s.store.GetValue(ctx, avgKey(userID))
	if err != nil {
		return err
	}
	if found {
		if prev, perr := strconv.ParseFloat(val, 64); perr == nil && prev > 0 {
			avg = prev*(1-avgDecay) + amount*avgDecay
		}
	}
	return s.store.SetValue(ctx, avgKey(userID), strconv.FormatFloat(avg, 'f', 2, 64), avgTTL)
}
