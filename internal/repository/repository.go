// Package repository provides the audit store for fraud evaluations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wekeza/nexus/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicate signals a transaction_reference collision; the caller
	// resolves idempotently by fetching the existing row.
	ErrDuplicate = errors.New("duplicate transaction reference")

	// ErrConflict signals a stale row version on a guarded update.
	ErrConflict = errors.New("concurrent modification conflict")
)

// SQLRepository implements domain.EvaluationRepository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.EvaluationRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const evaluationColumns = `
	id, transaction_context_id, user_id, transaction_reference, amount,
	velocity_score, behavioral_score, relationship_score, amount_score, device_score,
	total_score, decision, risk_level, reasons, explanation, confidence,
	evaluated_at, processing_time_ms, model_version,
	was_allowed, requires_review, analyst_notes, was_actual_fraud,
	created_at, updated_at, version
`

// Create inserts a new evaluation. Returns ErrDuplicate when the
// transaction reference already exists.
func (r *SQLRepository) Create(ctx context.Context, eval *domain.FraudEvaluation) error {
	if eval == nil || eval.ID == "" {
		return fmt.Errorf("%w: evaluation with id is required", ErrInvalidInput)
	}
	if eval.TransactionReference == "" {
		return fmt.Errorf("%w: transaction reference is required", ErrInvalidInput)
	}

	reasons, _ := json.Marshal(eval.Score.Reasons)

	query := `
		INSERT INTO fraud_evaluations (` + evaluationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.TransactionContextID, eval.UserID, eval.TransactionReference, eval.Amount,
		eval.Score.Components.Velocity, eval.Score.Components.Behavioral,
		eval.Score.Components.Relationship, eval.Score.Components.Amount, eval.Score.Components.Device,
		eval.Score.TotalScore, string(eval.Score.Decision), string(eval.Score.RiskLevel),
		string(reasons), eval.Score.Explanation, eval.Score.Confidence,
		eval.EvaluatedAt, eval.ProcessingTimeMs, eval.ModelVersion,
		boolToInt(eval.WasAllowed), boolToInt(eval.RequiresReview),
		nullString(eval.AnalystNotes), nullBool(eval.WasActualFraud),
		eval.CreatedAt, nullTime(eval.UpdatedAt), eval.Version,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, eval.TransactionReference)
	}
	return err
}

// GetByID retrieves an evaluation by its ID.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.FraudEvaluation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return r.getOne(ctx, "id = ?", id)
}

// GetByContextID retrieves an evaluation by transaction context ID.
func (r *SQLRepository) GetByContextID(ctx context.Context, contextID string) (*domain.FraudEvaluation, error) {
	if contextID == "" {
		return nil, fmt.Errorf("%w: contextID is required", ErrInvalidInput)
	}
	return r.getOne(ctx, "transaction_context_id = ?", contextID)
}

// GetByReference retrieves an evaluation by transaction reference.
func (r *SQLRepository) GetByReference(ctx context.Context, reference string) (*domain.FraudEvaluation, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidInput)
	}
	return r.getOne(ctx, "transaction_reference = ?", reference)
}

func (r *SQLRepository) getOne(ctx context.Context, where string, arg any) (*domain.FraudEvaluation, error) {
	query := `SELECT ` + evaluationColumns + ` FROM fraud_evaluations WHERE ` + where

	row := r.db.QueryRowContext(ctx, r.rebind(query), arg)
	eval, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return eval, err
}

// ListRecentByUser returns the user's evaluations, newest first.
func (r *SQLRepository) ListRecentByUser(ctx context.Context, userID string, limit int) ([]*domain.FraudEvaluation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + evaluationColumns + `
		FROM fraud_evaluations
		WHERE user_id = ?
		ORDER BY evaluated_at DESC
		LIMIT ?
	`
	return r.list(ctx, query, userID, limit)
}

// ListReviewQueue returns the analyst work queue: evaluations requiring
// review that no analyst has touched yet, newest first.
func (r *SQLRepository) ListReviewQueue(ctx context.Context, limit int) ([]*domain.FraudEvaluation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + evaluationColumns + `
		FROM fraud_evaluations
		WHERE requires_review = 1 AND analyst_notes IS NULL
		ORDER BY evaluated_at DESC
		LIMIT ?
	`
	return r.list(ctx, query, limit)
}

func (r *SQLRepository) list(ctx context.Context, query string, args ...any) ([]*domain.FraudEvaluation, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*domain.FraudEvaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, eval)
	}
	return evals, rows.Err()
}

// ApplyChallengeOutcome updates was_allowed guarded by the row version.
func (r *SQLRepository) ApplyChallengeOutcome(ctx context.Context, id string, wasAllowed bool, version int64) error {
	query := `
		UPDATE fraud_evaluations
		SET was_allowed = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	return r.guardedUpdate(ctx, id, query, boolToInt(wasAllowed), time.Now().UTC(), id, version)
}

// ApplyAnalystReview records the analyst verdict guarded by the row version.
func (r *SQLRepository) ApplyAnalystReview(ctx context.Context, id, notes string, wasActualFraud bool, version int64) error {
	query := `
		UPDATE fraud_evaluations
		SET analyst_notes = ?, was_actual_fraud = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	return r.guardedUpdate(ctx, id, query, notes, boolToInt(wasActualFraud), time.Now().UTC(), id, version)
}

// guardedUpdate runs a version-guarded UPDATE and maps a zero row count
// to ErrConflict or ErrNotFound depending on whether the row exists.
func (r *SQLRepository) guardedUpdate(ctx context.Context, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM fraud_evaluations WHERE id = ?`), id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(s scanner) (*domain.FraudEvaluation, error) {
	var eval domain.FraudEvaluation
	var reasons string
	var wasAllowed, requiresReview int
	var analystNotes sql.NullString
	var wasActualFraud sql.NullInt64
	var updatedAt sql.NullTime

	err := s.Scan(
		&eval.ID, &eval.TransactionContextID, &eval.UserID, &eval.TransactionReference, &eval.Amount,
		&eval.Score.Components.Velocity, &eval.Score.Components.Behavioral,
		&eval.Score.Components.Relationship, &eval.Score.Components.Amount, &eval.Score.Components.Device,
		&eval.Score.TotalScore, &eval.Score.Decision, &eval.Score.RiskLevel,
		&reasons, &eval.Score.Explanation, &eval.Score.Confidence,
		&eval.EvaluatedAt, &eval.ProcessingTimeMs, &eval.ModelVersion,
		&wasAllowed, &requiresReview, &analystNotes, &wasActualFraud,
		&eval.CreatedAt, &updatedAt, &eval.Version,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(reasons), &eval.Score.Reasons)
	eval.WasAllowed = wasAllowed == 1
	eval.RequiresReview = requiresReview == 1
	if analystNotes.Valid {
		eval.AnalystNotes = &analystNotes.String
	}
	if wasActualFraud.Valid {
		b := wasActualFraud.Int64 == 1
		eval.WasActualFraud = &b
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		eval.UpdatedAt = &t
	}

	return &eval, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// isUniqueViolation detects a unique index violation for both SQLite
// ("UNIQUE constraint failed") and PostgreSQL ("duplicate key value").
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
