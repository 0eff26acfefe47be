package domain

import (
	"context"
	"time"
)

// EvaluationRepository is the audit store for fraud evaluations: an
// append-mostly ledger with two narrowly scoped mutation paths.
type EvaluationRepository interface {
	// Create inserts a new evaluation. The transaction reference is
	// unique; inserting a duplicate returns ErrDuplicate so callers can
	// resolve idempotently by fetching the existing row.
	Create(ctx context.Context, eval *FraudEvaluation) error

	GetByID(ctx context.Context, id string) (*FraudEvaluation, error)
	GetByContextID(ctx context.Context, contextID string) (*FraudEvaluation, error)
	GetByReference(ctx context.Context, reference string) (*FraudEvaluation, error)

	// ListRecentByUser returns the user's evaluations, newest first.
	ListRecentByUser(ctx context.Context, userID string, limit int) ([]*FraudEvaluation, error)

	// ListReviewQueue returns the analyst work queue: evaluations with
	// requires_review set and no analyst notes yet, newest first.
	ListReviewQueue(ctx context.Context, limit int) ([]*FraudEvaluation, error)

	// ApplyChallengeOutcome updates was_allowed and updated_at, guarded
	// by the row version. Returns ErrConflict on a stale version.
	ApplyChallengeOutcome(ctx context.Context, id string, wasAllowed bool, version int64) error

	// ApplyAnalystReview updates analyst_notes, was_actual_fraud and
	// updated_at, guarded by the row version.
	ApplyAnalystReview(ctx context.Context, id, notes string, wasActualFraud bool, version int64) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
