/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Same schema and semantics as store/sqlite, for deployments where several
  server instances share one database.

CONCURRENCY:
  Tx.Get locks the user's row with SELECT ... FOR UPDATE, so concurrent
  transactions on the same user serialize in the database. Two first
  awards racing to INSERT the same row collide on the primary key; that
  unique violation, serialization failures (40001) and deadlocks (40P01)
  all surface as ledger.ErrConcurrentModification and the Engine retries.

USAGE:
  store, err := postgres.Open(ctx, cfg.Database.URL(), 25, 5)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/civicsense/reward-ledger/ledger"
	"github.com/civicsense/reward-ledger/rewards"
)

// SQLSTATE codes treated as write conflicts.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// Open connects, configures the pool and migrates the schema.
func Open(ctx context.Context, dsn string, maxConns, minConns int) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if minConns > 0 {
		db.SetMaxIdleConns(minConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Println("Successfully connected to PostgreSQL")
	return s, nil
}

// New wraps an existing connection pool. The schema is not migrated.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", err)
	}
	return nil
}

// Migrate creates the schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS reward_records (
		user_id TEXT PRIMARY KEY,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		badges TEXT[] NOT NULL DEFAULT '{}',
		last_coupon_milestone INTEGER NOT NULL DEFAULT 0,
		display_name TEXT,
		email TEXT,
		role TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_reward_records_points
		ON reward_records(points DESC, user_id ASC);

	CREATE TABLE IF NOT EXISTS coupons (
		code TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES reward_records(user_id),
		milestone_index INTEGER NOT NULL,
		discount_percent INTEGER NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, milestone_index)
	);

	CREATE TABLE IF NOT EXISTS processed_events (
		user_id TEXT NOT NULL,
		event_key TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, event_key)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// ROWS
// =============================================================================

type recordRow struct {
	UserID              string         `db:"user_id"`
	Points              int            `db:"points"`
	Badges              pq.StringArray `db:"badges"`
	LastCouponMilestone int            `db:"last_coupon_milestone"`
	DisplayName         sql.NullString `db:"display_name"`
	Email               sql.NullString `db:"email"`
	Role                sql.NullString `db:"role"`
	Version             int64          `db:"version"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r recordRow) record(coupons []rewards.Coupon) ledger.Record {
	badges := []string(r.Badges)
	if badges == nil {
		badges = []string{}
	}
	return ledger.Record{
		UserID:              ledger.UserID(r.UserID),
		Points:              r.Points,
		Badges:              badges,
		Coupons:             coupons,
		LastCouponMilestone: r.LastCouponMilestone,
		Profile: rewards.Profile{
			DisplayName: r.DisplayName.String,
			Email:       r.Email.String,
			Role:        rewards.Role(r.Role.String),
		},
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

type couponRow struct {
	Code            string    `db:"code"`
	MilestoneIndex  int       `db:"milestone_index"`
	DiscountPercent int       `db:"discount_percent"`
	IssuedAt        time.Time `db:"issued_at"`
	ExpiresAt       time.Time `db:"expires_at"`
}

type standingRow struct {
	UserID      string         `db:"user_id"`
	DisplayName sql.NullString `db:"display_name"`
	Email       sql.NullString `db:"email"`
	Points      int            `db:"points"`
}

const selectRecord = `
	SELECT user_id, points, badges, last_coupon_milestone, display_name, email, role, version, updated_at
	FROM reward_records WHERE user_id = $1`

func loadRecord(ctx context.Context, q sqlx.QueryerContext, userID ledger.UserID, lock bool) (ledger.Record, bool, error) {
	query := selectRecord
	if lock {
		query += " FOR UPDATE"
	}

	var row recordRow
	err := sqlx.GetContext(ctx, q, &row, query, string(userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("failed to load record %s: %w", userID, err)
	}

	var rows []couponRow
	if err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT code, milestone_index, discount_percent, issued_at, expires_at
		FROM coupons WHERE user_id = $1 ORDER BY milestone_index
	`, string(userID)); err != nil {
		return ledger.Record{}, false, fmt.Errorf("failed to load coupons of %s: %w", userID, err)
	}

	coupons := make([]rewards.Coupon, 0, len(rows))
	for _, c := range rows {
		coupons = append(coupons, rewards.Coupon{
			Code:            c.Code,
			DiscountPercent: c.DiscountPercent,
			IssuedAt:        c.IssuedAt.UTC(),
			ExpiresAt:       c.ExpiresAt.UTC(),
			MilestoneIndex:  c.MilestoneIndex,
		})
	}
	return row.record(coupons), true, nil
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// RunTx executes fn within a database transaction.
func (s *Store) RunTx(ctx context.Context, userID ledger.UserID, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txView{tx: tx, userID: userID}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (s *Store) Load(ctx context.Context, userID ledger.UserID) (ledger.Record, error) {
	rec, ok, err := loadRecord(ctx, s.db, userID, false)
	if err != nil {
		return ledger.Record{}, err
	}
	if !ok {
		return ledger.Record{}, fmt.Errorf("user %s: %w", userID, ledger.ErrRecordNotFound)
	}
	return rec, nil
}

func (s *Store) Top(ctx context.Context, n int) ([]ledger.Standing, error) {
	var rows []standingRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT user_id, display_name, email, points
		FROM reward_records
		ORDER BY points DESC, user_id ASC
		LIMIT $1
	`, n); err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}

	out := make([]ledger.Standing, 0, len(rows))
	for i, r := range rows {
		out = append(out, ledger.Standing{
			Rank:   i + 1,
			UserID: ledger.UserID(r.UserID),
			Name:   rewards.Profile{DisplayName: r.DisplayName.String, Email: r.Email.String}.Label(),
			Points: r.Points,
		})
	}
	return out, nil
}

func (s *Store) UserIDs(ctx context.Context) ([]ledger.UserID, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT user_id FROM reward_records ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]ledger.UserID, len(ids))
	for i, id := range ids {
		out[i] = ledger.UserID(id)
	}
	return out, nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE coupons, processed_events, reward_records`)
	return err
}

// =============================================================================
// TRANSACTIONAL VIEW (ledger.Tx interface)
// =============================================================================

type txView struct {
	tx     *sqlx.Tx
	userID ledger.UserID
}

func (t *txView) Get(ctx context.Context) (ledger.Record, bool, error) {
	return loadRecord(ctx, t.tx, t.userID, true)
}

func (t *txView) Create(ctx context.Context, rec ledger.Record) error {
	badges := rec.Badges
	if badges == nil {
		badges = []string{}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reward_records (user_id, points, badges, last_coupon_milestone, display_name, email, role)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, string(t.userID), rec.Points, pq.StringArray(badges), rec.LastCouponMilestone,
		nullString(rec.Profile.DisplayName), nullString(rec.Profile.Email), nullString(string(rec.Profile.Role)))
	if err != nil {
		return fmt.Errorf("failed to create record %s: %w", t.userID, err)
	}
	return nil
}

func (t *txView) SetPoints(ctx context.Context, points int) error {
	return t.update(ctx, "points = $2", points)
}

func (t *txView) SetBadges(ctx context.Context, badges []string) error {
	if badges == nil {
		badges = []string{}
	}
	return t.update(ctx, "badges = $2", pq.StringArray(badges))
}

func (t *txView) SetProfile(ctx context.Context, p rewards.Profile) error {
	return t.update(ctx, "display_name = $2, email = $3, role = $4",
		nullString(p.DisplayName), nullString(p.Email), nullString(string(p.Role)))
}

func (t *txView) AppendCoupon(ctx context.Context, c rewards.Coupon, lastMilestone int) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO coupons (code, user_id, milestone_index, discount_percent, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.Code, string(t.userID), c.MilestoneIndex, c.DiscountPercent, c.IssuedAt, c.ExpiresAt); err != nil {
		return fmt.Errorf("failed to append coupon for %s: %w", t.userID, err)
	}
	return t.update(ctx, "last_coupon_milestone = $2", lastMilestone)
}

func (t *txView) MarkProcessed(ctx context.Context, key string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_events (user_id, event_key) VALUES ($1, $2)
		ON CONFLICT (user_id, event_key) DO NOTHING
	`, string(t.userID), key)
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// update sets fields on the locked row. $1 is always the user id.
func (t *txView) update(ctx context.Context, set string, args ...any) error {
	args = append([]any{string(t.userID)}, args...)
	res, err := t.tx.ExecContext(ctx,
		"UPDATE reward_records SET "+set+", version = version + 1, updated_at = now() WHERE user_id = $1",
		args...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", t.userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", t.userID, ledger.ErrRecordNotFound)
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// mapError turns PostgreSQL write conflicts into
// ledger.ErrConcurrentModification. Other errors pass through.
func mapError(err error) error {
	if isConflict(err) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
	}
	return err
}

func isConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
		return true
	}
	return false
}
