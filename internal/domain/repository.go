package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence: transaction
// history, the append-only prediction audit log, and the append-only
// feedback log.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*Transaction, error)

	// Prediction audit log (append-only)
	AppendPrediction(ctx context.Context, rec *PredictionRecord) error
	ListPredictions(ctx context.Context, limit int) ([]*PredictionRecord, error)

	// Feedback log (append-only; invalid records are rejected)
	AppendFeedback(ctx context.Context, rec *FeedbackRecord) error
	ListFeedback(ctx context.Context) ([]*FeedbackRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
