package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    device_id TEXT,
    latitude REAL NOT NULL DEFAULT 0,
    longitude REAL NOT NULL DEFAULT 0,
    description TEXT,
    user_agent TEXT,
    email TEXT,
    hour INTEGER NOT NULL DEFAULT 0,
    velocity INTEGER NOT NULL DEFAULT 0,
    geo_diff REAL NOT NULL DEFAULT 0,
    amount_deviation REAL NOT NULL DEFAULT 0,
    device_familiarity REAL NOT NULL DEFAULT 0,
    amount_percentile REAL NOT NULL DEFAULT 0,
    location_familiarity REAL NOT NULL DEFAULT 0,
    time_since_last REAL NOT NULL DEFAULT 0,
    is_weekend INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, timestamp);
`

const schemaPredictions = `
CREATE TABLE IF NOT EXISTS predictions (
    id TEXT PRIMARY KEY,
    timestamp TIMESTAMP NOT NULL,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    risk_score REAL NOT NULL,
    decision TEXT NOT NULL,
    reason TEXT NOT NULL,
    model_version TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_predictions_user ON predictions(user_id);
CREATE INDEX IF NOT EXISTS idx_predictions_timestamp ON predictions(timestamp);
`

const schemaFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    transaction_id TEXT NOT NULL,
    original_decision TEXT NOT NULL,
    corrected_decision TEXT NOT NULL,
    analyst_id TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_tx ON feedback(transaction_id);
CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback(created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaPredictions,
		schemaFeedback,
	}
}
