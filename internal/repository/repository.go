// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.UserStore and domain.DecisionLog using
// database/sql. Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration and runs migrations.
func New(ctx context.Context, cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

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

	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying handle.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// GetUser retrieves a user by ID.
func (r *SQLRepository) GetUser(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, username, full_name, email, created_at
		FROM users
		WHERE id = ?
	`

	var u domain.UserProfile
	var fullName, email sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&u.ID, &u.Username, &fullName, &email, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.FullName = fullName.String
	u.Email = email.String
	return &u, nil
}

// ListTransactions returns a user's transactions, newest first. A limit of
// zero or less returns all of them.
func (r *SQLRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]*domain.UserTransaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, txn_time, amount, merchant, card_masked, location, is_fraud, description
		FROM transactions
		WHERE user_id = ?
		ORDER BY txn_time DESC, id
	`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []*domain.UserTransaction{}
	for rows.Next() {
		var tx domain.UserTransaction
		var merchant, card, location, desc sql.NullString
		var fraud int

		if err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.Time, &tx.Amount,
			&merchant, &card, &location, &fraud, &desc,
		); err != nil {
			return nil, err
		}

		tx.Merchant = merchant.String
		tx.CardMasked = card.String
		tx.Location = location.String
		tx.Description = desc.String
		tx.IsFraud = fraud == 1
		txs = append(txs, &tx)
	}

	return txs, rows.Err()
}

// SaveUser inserts or updates a user row.
func (r *SQLRepository) SaveUser(ctx context.Context, u *domain.UserProfile) error {
	if u.ID == "" || u.Username == "" {
		return fmt.Errorf("%w: user id and username are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO users (id, username, full_name, email, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			full_name = excluded.full_name,
			email = excluded.email
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		u.ID, u.Username, u.FullName, u.Email, u.CreatedAt.UTC(),
	)
	return err
}

// SaveUserTransaction inserts or updates a transaction row.
func (r *SQLRepository) SaveUserTransaction(ctx context.Context, tx *domain.UserTransaction) error {
	if tx.ID == "" || tx.UserID == "" {
		return fmt.Errorf("%w: transaction id and user id are required", ErrInvalidInput)
	}

	fraud := 0
	if tx.IsFraud {
		fraud = 1
	}

	query := `
		INSERT INTO transactions (
			id, user_id, txn_time, amount, merchant, card_masked, location, is_fraud, description
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			txn_time = excluded.txn_time,
			amount = excluded.amount,
			merchant = excluded.merchant,
			card_masked = excluded.card_masked,
			location = excluded.location,
			is_fraud = excluded.is_fraud,
			description = excluded.description
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Time.UTC(), tx.Amount,
		tx.Merchant, tx.CardMasked, tx.Location, fraud, tx.Description,
	)
	return err
}

// SaveDecision stores a scored decision. Saving the same ID twice is a
// no-op so redelivered events are harmless.
func (r *SQLRepository) SaveDecision(ctx context.Context, rec *domain.DecisionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: decision id is required", ErrInvalidInput)
	}

	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO score_decisions (
			id, source, score, model_score, decision, algorithm,
			model_version, policy, reasons, amount, merchant, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.Source, rec.Score, rec.ModelScore, string(rec.Decision), rec.Algorithm,
		rec.ModelVersion, rec.Policy, string(reasons), rec.Amount, rec.Merchant, rec.CreatedAt.UTC(),
	)
	return err
}

// GetDecision retrieves a scored decision by ID.
func (r *SQLRepository) GetDecision(ctx context.Context, id string) (*domain.DecisionRecord, error) {
	query := `
		SELECT id, source, score, model_score, decision, algorithm,
			   model_version, policy, reasons, amount, merchant, created_at
		FROM score_decisions
		WHERE id = ?
	`

	var rec domain.DecisionRecord
	var decision, reasons string
	var merchant sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&rec.ID, &rec.Source, &rec.Score, &rec.ModelScore, &decision, &rec.Algorithm,
		&rec.ModelVersion, &rec.Policy, &reasons, &rec.Amount, &merchant, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Decision = domain.Decision(decision)
	rec.Merchant = merchant.String
	if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
		return nil, fmt.Errorf("failed to parse decision reasons: %w", err)
	}
	return &rec, nil
}

// CountDecisions returns the number of stored decisions.
func (r *SQLRepository) CountDecisions(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM score_decisions").Scan(&n)
	return n, err
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

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
