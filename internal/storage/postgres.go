// internal/storage/postgres.go
// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/futurevault/futurevault-go/internal/model"
)

// postgres provides persistent storage for drafts and idempotency keys.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- One draft per owner address, stored as a versioned JSON envelope
		CREATE TABLE IF NOT EXISTS drafts (
		    owner TEXT PRIMARY KEY,                  -- Lower-cased wallet address
		    body JSONB NOT NULL,                     -- {"version":N,"draft":{...}}
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Idempotency table for storing idempotency keys
		CREATE TABLE IF NOT EXISTS idempotency (
		    key_hash TEXT PRIMARY KEY,               -- Hash of the idempotency key
		    request_hash TEXT NOT NULL,              -- Hash of the request payload for conflict detection
		    response_body BYTEA NOT NULL,            -- Cached response body
		    response_status INTEGER NOT NULL,        -- HTTP status code
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// SaveDraft upserts the owner's draft
func (p *postgres) SaveDraft(ctx context.Context, owner string, draft model.Draft) error {
	if draft.SavedAt.IsZero() {
		draft.SavedAt = time.Now().UTC()
	}
	body, err := EncodeDraft(draft)
	if err != nil {
		return err
	}
	query := `INSERT INTO drafts (owner, body, updated_at) VALUES ($1, $2, $3)
	          ON CONFLICT (owner) DO UPDATE SET body = $2, updated_at = $3`
	if _, err := p.db.Exec(ctx, query, ownerKey(owner), body, draft.SavedAt); err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

// GetDraft retrieves the owner's draft
func (p *postgres) GetDraft(ctx context.Context, owner string) (*model.Draft, error) {
	var body []byte
	err := p.db.QueryRow(ctx, `SELECT body FROM drafts WHERE owner = $1`, ownerKey(owner)).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	return DecodeDraft(body)
}

// DeleteDraft removes the owner's draft if present
func (p *postgres) DeleteDraft(ctx context.Context, owner string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM drafts WHERE owner = $1`, ownerKey(owner)); err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return nil
}

// StoreIdempotentResponse stores an idempotent response in the database
func (p *postgres) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	// A live entry under the same key for a different payload is a conflict
	var existingRequestHash string
	query := `SELECT request_hash FROM idempotency WHERE key_hash = $1 AND request_hash != $2 AND expires_at > $3`
	err := p.db.QueryRow(ctx, query, keyHash, requestHash, time.Now().UTC()).Scan(&existingRequestHash)
	if err == nil {
		return ErrConflict
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to check for idempotency conflicts: %w", err)
	}

	query = `INSERT INTO idempotency (key_hash, request_hash, response_body, response_status, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (key_hash) DO UPDATE
	          SET request_hash = $2, response_body = $3, response_status = $4, created_at = $5, expires_at = $6`
	_, err = p.db.Exec(ctx, query, keyHash, requestHash, responseBody, statusCode, time.Now().UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from the database
func (p *postgres) GetIdempotentResponse(ctx context.Context, keyHash string) (*IdempotentResponse, error) {
	query := `SELECT request_hash, response_body, response_status, expires_at FROM idempotency
	          WHERE key_hash = $1 AND expires_at > $2`

	var r IdempotentResponse
	err := p.db.QueryRow(ctx, query, keyHash, time.Now().UTC()).Scan(&r.RequestHash, &r.ResponseBody, &r.StatusCode, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotent response: %w", err)
	}
	return &r, nil
}
