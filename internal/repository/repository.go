// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
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

// SaveTransaction stores a transaction with all its behavioral signals.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", domain.ErrInvalidInput)
	}
	if tx.UserID == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}

	timestamp := tx.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	isWeekend := 0
	if tx.IsWeekend {
		isWeekend = 1
	}

	query := `
		INSERT INTO transactions (
			id, user_id, amount, timestamp, device_id,
			latitude, longitude, description, user_agent, email,
			hour, velocity, geo_diff, amount_deviation, device_familiarity,
			amount_percentile, location_familiarity, time_since_last, is_weekend,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Amount, timestamp, tx.DeviceID,
		tx.Latitude, tx.Longitude, tx.Description, tx.UserAgent, tx.Email,
		tx.Hour, tx.Velocity, tx.GeoDiff, tx.AmountDeviation, tx.DeviceFamiliarity,
		tx.AmountPercentile, tx.LocationFamiliarity, tx.TimeSinceLast, isWeekend,
		time.Now().UTC(),
	)
	return err
}

const transactionColumns = `
	id, user_id, amount, timestamp, device_id,
	latitude, longitude, description, user_agent, email,
	hour, velocity, geo_diff, amount_deviation, device_familiarity,
	amount_percentile, location_familiarity, time_since_last, is_weekend
`

func scanTransaction(row interface{ Scan(dest ...any) error }) (*domain.Transaction, error) {
	var tx domain.Transaction
	var isWeekend int

	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Timestamp, &tx.DeviceID,
		&tx.Latitude, &tx.Longitude, &tx.Description, &tx.UserAgent, &tx.Email,
		&tx.Hour, &tx.Velocity, &tx.GeoDiff, &tx.AmountDeviation, &tx.DeviceFamiliarity,
		&tx.AmountPercentile, &tx.LocationFamiliarity, &tx.TimeSinceLast, &isWeekend,
	)
	if err != nil {
		return nil, err
	}
	tx.IsWeekend = isWeekend == 1
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetTransactionsByUser retrieves a user's transactions since a point
// in time, newest first.
func (r *SQLRepository) GetTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// AppendPrediction stores one audit log entry. The log is append-only;
// there is no update or delete path.
func (r *SQLRepository) AppendPrediction(ctx context.Context, rec *domain.PredictionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: prediction id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO predictions (
			id, timestamp, user_id, amount, risk_score, decision, reason, model_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.Timestamp, rec.UserID, rec.Amount,
		rec.RiskScore, rec.Decision, rec.Reason, rec.ModelVersion,
	)
	return err
}

// ListPredictions returns the most recent audit log entries, newest
// first. A non-positive limit returns the default page of 100.
func (r *SQLRepository) ListPredictions(ctx context.Context, limit int) ([]*domain.PredictionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, timestamp, user_id, amount, risk_score, decision, reason, model_version
		FROM predictions
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.PredictionRecord
	for rows.Next() {
		var rec domain.PredictionRecord
		if err := rows.Scan(
			&rec.ID, &rec.Timestamp, &rec.UserID, &rec.Amount,
			&rec.RiskScore, &rec.Decision, &rec.Reason, &rec.ModelVersion,
		); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// AppendFeedback stores one analyst correction after validating it.
func (r *SQLRepository) AppendFeedback(ctx context.Context, rec *domain.FeedbackRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO feedback (
			transaction_id, original_decision, corrected_decision, analyst_id, created_at
		) VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.TransactionID, rec.OriginalDecision, rec.CorrectedDecision,
		rec.AnalystID, createdAt,
	)
	return err
}

// ListFeedback returns the whole feedback log in append order.
func (r *SQLRepository) ListFeedback(ctx context.Context) ([]*domain.FeedbackRecord, error) {
	query := `
		SELECT transaction_id, original_decision, corrected_decision, analyst_id, created_at
		FROM feedback
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.FeedbackRecord
	for rows.Next() {
		var rec domain.FeedbackRecord
		if err := rows.Scan(
			&rec.TransactionID, &rec.OriginalDecision, &rec.CorrectedDecision,
			&rec.AnalystID, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
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
