package repository

// Schema definitions for the Nexus audit store.
// Compatible with both SQLite and PostgreSQL.

// Component scores and the reason list are denormalized into columns so
// analysts can query them directly; the reasons column holds the closed
// reason vocabulary as a JSON array, never joined free text.
const schemaFraudEvaluations = `
CREATE TABLE IF NOT EXISTS fraud_evaluations (
    id TEXT PRIMARY KEY,
    transaction_context_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    transaction_reference TEXT NOT NULL,
    amount REAL NOT NULL,
    velocity_score INTEGER NOT NULL,
    behavioral_score INTEGER NOT NULL,
    relationship_score INTEGER NOT NULL,
    amount_score INTEGER NOT NULL,
    device_score INTEGER NOT NULL,
    total_score INTEGER NOT NULL,
    decision TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    reasons TEXT NOT NULL,
    explanation TEXT,
    confidence REAL NOT NULL,
    evaluated_at TIMESTAMP NOT NULL,
    processing_time_ms INTEGER NOT NULL,
    model_version TEXT NOT NULL,
    was_allowed INTEGER NOT NULL,
    requires_review INTEGER NOT NULL,
    analyst_notes TEXT,
    was_actual_fraud INTEGER,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP,
    version INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_evaluations_reference ON fraud_evaluations(transaction_reference);
CREATE INDEX IF NOT EXISTS idx_evaluations_context ON fraud_evaluations(transaction_context_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_user ON fraud_evaluations(user_id, evaluated_at);
CREATE INDEX IF NOT EXISTS idx_evaluations_review ON fraud_evaluations(requires_review, evaluated_at);
CREATE INDEX IF NOT EXISTS idx_evaluations_evaluated_at ON fraud_evaluations(evaluated_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFraudEvaluations,
	}
}
