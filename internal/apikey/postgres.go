package apikey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/loa-labs/loa-finn/internal/core"
)

// PostgresStore keeps api_keys and billing_events in Postgres. The debit is
// one conditional UPDATE ... RETURNING plus the event insert in the same
// transaction; the database is the arbiter under concurrency.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings the database.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys
			(key_id, tenant_id, lookup_hash, verifier_hash, label, balance_micro, revoked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, now(), now())`,
		rec.KeyID, rec.TenantID, rec.LookupHash, rec.VerifierHash, rec.Label, rec.BalanceMicro)
	if err != nil {
		return core.Wrap(core.KindMeteringUnavailable, "insert api key", err)
	}
	return nil
}

const selectKey = `
	SELECT key_id, tenant_id, lookup_hash, verifier_hash, label,
	       balance_micro, revoked, created_at, updated_at
	FROM api_keys`

func (s *PostgresStore) GetByLookupHash(ctx context.Context, lookupHash string) (*Record, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectKey+` WHERE lookup_hash = $1`, lookupHash))
}

func (s *PostgresStore) GetByKeyID(ctx context.Context, keyID string) (*Record, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectKey+` WHERE key_id = $1`, keyID))
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.KeyID, &rec.TenantID, &rec.LookupHash, &rec.VerifierHash,
		&rec.Label, &rec.BalanceMicro, &rec.Revoked, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.KindKeyNotFound, "api key not found")
	}
	if err != nil {
		return nil, core.Wrap(core.KindMeteringUnavailable, "read api key", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = true, updated_at = now() WHERE key_id = $1`, keyID)
	if err != nil {
		return core.Wrap(core.KindMeteringUnavailable, "revoke api key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindKeyNotFound, "api key not found")
	}
	return nil
}

func (s *PostgresStore) Debit(ctx context.Context, keyID, requestID string, costMicro int64, eventType string) (*DebitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.Wrap(core.KindMeteringUnavailable, "begin debit", err)
	}
	defer tx.Rollback()

	// Idempotency first: a replayed requestId returns the committed result
	// without touching the balance.
	var prior int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance_after FROM billing_events WHERE request_id = $1`, requestID).Scan(&prior)
	if err == nil {
		return &DebitResult{BalanceAfter: prior, Duplicate: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, core.Wrap(core.KindMeteringUnavailable, "check billing event", err)
	}

	var balanceAfter int64
	err = tx.QueryRowContext(ctx, `
		UPDATE api_keys
		SET balance_micro = balance_micro - $2, updated_at = now()
		WHERE key_id = $1 AND balance_micro >= $2 AND NOT revoked
		RETURNING balance_micro`,
		keyID, costMicro).Scan(&balanceAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyRefusal(ctx, tx, keyID)
	}
	if err != nil {
		return nil, core.Wrap(core.KindMeteringUnavailable, "debit balance", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO billing_events (key_id, request_id, amount_micro, balance_after, event_type, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (request_id) DO NOTHING`,
		keyID, requestID, costMicro, balanceAfter, eventType)
	if err != nil {
		return nil, core.Wrap(core.KindMeteringUnavailable, "record billing event", err)
	}

	// A concurrent debit with the same requestId can slip past the pre-check
	// before either transaction commits. The event insert is the real
	// idempotency barrier: if it conflicted, abandon our balance update and
	// return the committed result.
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		err = s.db.QueryRowContext(ctx,
			`SELECT balance_after FROM billing_events WHERE request_id = $1`, requestID).Scan(&prior)
		if err != nil {
			return nil, core.Wrap(core.KindMeteringUnavailable, "read committed debit", err)
		}
		return &DebitResult{BalanceAfter: prior, Duplicate: true}, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, core.Wrap(core.KindMeteringUnavailable, "commit debit", err)
	}
	return &DebitResult{BalanceAfter: balanceAfter}, nil
}

// classifyRefusal distinguishes why the conditional UPDATE matched nothing.
func (s *PostgresStore) classifyRefusal(ctx context.Context, tx *sql.Tx, keyID string) error {
	var revoked bool
	err := tx.QueryRowContext(ctx,
		`SELECT revoked FROM api_keys WHERE key_id = $1`, keyID).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return core.E(core.KindKeyNotFound, "api key not found")
	}
	if err != nil {
		return core.Wrap(core.KindMeteringUnavailable, "classify debit refusal", err)
	}
	if revoked {
		return core.E(core.KindAPIKeyRevoked, "api key is revoked")
	}
	return core.E(core.KindInsufficientCredits, "insufficient credits")
}
