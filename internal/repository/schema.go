package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// users and transactions mirror the demo users database consumed by the
// chatbot. Kestrel only reads them, except when seeding.
const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    username TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL DEFAULT '',
    full_name TEXT,
    email TEXT,
    created_at TIMESTAMP NOT NULL
);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    txn_time TIMESTAMP NOT NULL,
    amount REAL NOT NULL,
    merchant TEXT,
    card_masked TEXT,
    location TEXT,
    is_fraud INTEGER NOT NULL DEFAULT 0,
    description TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, txn_time);
`

const schemaScoreDecisions = `
CREATE TABLE IF NOT EXISTS score_decisions (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    score REAL NOT NULL,
    model_score REAL NOT NULL,
    decision TEXT NOT NULL,
    algorithm TEXT NOT NULL,
    model_version TEXT NOT NULL,
    policy TEXT NOT NULL,
    reasons TEXT NOT NULL,
    amount REAL NOT NULL,
    merchant TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_decisions_created ON score_decisions(created_at);
CREATE INDEX IF NOT EXISTS idx_score_decisions_decision ON score_decisions(decision);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaUsers,
		schemaTransactions,
		schemaScoreDecisions,
	}
}
