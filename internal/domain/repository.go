// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// UserProfile is a row of the users table.
type UserProfile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// UserTransaction is a row of the transactions table.
type UserTransaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Time        time.Time `json:"txn_time"`
	Amount      float64   `json:"amount"`
	Merchant    string    `json:"merchant"`
	CardMasked  string    `json:"card_masked"`
	Location    string    `json:"location"`
	IsFraud     bool      `json:"is_fraud"`
	Description string    `json:"description"`
}

// FlaggedTransaction is a stored transaction re-assessed with the chat
// overlay and policy.
type FlaggedTransaction struct {
	UserTransaction
	Risk     float64  `json:"risk"`
	Decision Decision `json:"decision"`
	Label    string   `json:"label"`
	Reasons  []string `json:"reasons"`
}

// FraudSummary aggregates a user's history.
type FraudSummary struct {
	UserID            string               `json:"user_id"`
	TotalTransactions int                  `json:"total_transactions"`
	TotalAmount       float64              `json:"total_amount"`
	ConfirmedFraud    int                  `json:"confirmed_fraud"`
	FlaggedNow        int                  `json:"flagged_now"`
	Flagged           []FlaggedTransaction `json:"flagged"`
}

// UserStore is the read-only users/transactions data source.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*UserProfile, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*UserTransaction, error)

	// Health check
	Ping(ctx context.Context) error
}

// DecisionLog persists scored decisions for audit.
type DecisionLog interface {
	SaveDecision(ctx context.Context, rec *DecisionRecord) error
	GetDecision(ctx context.Context, id string) (*DecisionRecord, error)
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

	// SeedDemo fills the users database with demo users on startup.
	SeedDemo bool

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
