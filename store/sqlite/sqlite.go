/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists reward records, their coupons and processed complaint events in
  SQLite. The PostgreSQL store (store/postgres) follows the same schema
  with dialect differences only.

KEY TABLES:
  reward_records:   One row per user (points, badges, profile, version)
  coupons:          Append-only; one row per issued coupon
  processed_events: Complaint event keys already applied per user

CONSTRAINTS:
  - CHECK (points >= 0): points never go negative
  - UNIQUE (user_id, milestone_index) on coupons: one coupon per milestone
  - PRIMARY KEY (user_id, event_key): one application per complaint event

CONCURRENCY:
  The database is opened with _txlock=immediate and a single connection,
  so every RunTx holds the write lock from its first statement. Writes
  also compare-and-set the version column, which catches writers in other
  processes sharing the file. A conflict (SQLITE_BUSY, version mismatch,
  unique violation) surfaces as ledger.ErrConcurrentModification and the
  Engine retries.

  Inside RunTx only the *sql.Tx is used: with one connection, touching
  s.db there would wait on itself.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/civicsense/reward-ledger/ledger"
	"github.com/civicsense/reward-ledger/rewards"
)

const timeLayout = time.RFC3339Nano

// Store implements ledger.Store using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reward_records (
		user_id TEXT PRIMARY KEY,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		badges_json TEXT NOT NULL DEFAULT '[]',
		last_coupon_milestone INTEGER NOT NULL DEFAULT 0,
		display_name TEXT,
		email TEXT,
		role TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Leaderboard (hot path)
	CREATE INDEX IF NOT EXISTS idx_reward_records_points
		ON reward_records(points DESC, user_id ASC);

	-- Coupons (append-only)
	CREATE TABLE IF NOT EXISTS coupons (
		code TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES reward_records(user_id),
		milestone_index INTEGER NOT NULL,
		discount_percent INTEGER NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	-- CRITICAL: one coupon per milestone per user
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_coupon_milestone
		ON coupons(user_id, milestone_index);

	-- Complaint events already applied (no FK: the first award marks its
	-- event before the record row exists)
	CREATE TABLE IF NOT EXISTS processed_events (
		user_id TEXT NOT NULL,
		event_key TEXT NOT NULL,
		processed_at TEXT NOT NULL,
		PRIMARY KEY (user_id, event_key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIES - shared by *sql.DB and *sql.Tx
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRecord(ctx context.Context, q queryer, userID ledger.UserID) (ledger.Record, bool, error) {
	var (
		rec                      ledger.Record
		badgesJSON, updatedAt    string
		displayName, email, role sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT points, badges_json, last_coupon_milestone, display_name, email, role, version, updated_at
		FROM reward_records WHERE user_id = ?
	`, string(userID)).Scan(&rec.Points, &badgesJSON, &rec.LastCouponMilestone,
		&displayName, &email, &role, &rec.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("failed to load record %s: %w", userID, err)
	}

	rec.UserID = userID
	rec.Profile = rewards.Profile{
		DisplayName: displayName.String,
		Email:       email.String,
		Role:        rewards.Role(role.String),
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return ledger.Record{}, false, fmt.Errorf("failed to decode updated_at of %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(badgesJSON), &rec.Badges); err != nil {
		return ledger.Record{}, false, fmt.Errorf("failed to decode badges of %s: %w", userID, err)
	}
	if rec.Badges == nil {
		rec.Badges = []string{}
	}

	rec.Coupons, err = loadCoupons(ctx, q, userID)
	if err != nil {
		return ledger.Record{}, false, err
	}
	return rec, true, nil
}

func loadCoupons(ctx context.Context, q queryer, userID ledger.UserID) ([]rewards.Coupon, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT code, milestone_index, discount_percent, issued_at, expires_at
		FROM coupons WHERE user_id = ? ORDER BY milestone_index
	`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to load coupons of %s: %w", userID, err)
	}
	defer rows.Close()

	coupons := []rewards.Coupon{}
	for rows.Next() {
		var (
			c                   rewards.Coupon
			issuedAt, expiresAt string
		)
		if err := rows.Scan(&c.Code, &c.MilestoneIndex, &c.DiscountPercent, &issuedAt, &expiresAt); err != nil {
			return nil, err
		}
		if c.IssuedAt, err = time.Parse(timeLayout, issuedAt); err != nil {
			return nil, fmt.Errorf("failed to decode issued_at of coupon %s: %w", c.Code, err)
		}
		if c.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
			return nil, fmt.Errorf("failed to decode expires_at of coupon %s: %w", c.Code, err)
		}
		coupons = append(coupons, c)
	}
	return coupons, rows.Err()
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// RunTx executes fn within a database transaction.
func (s *Store) RunTx(ctx context.Context, userID ledger.UserID, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &txView{tx: sqlTx, userID: userID, now: s.now().UTC().Format(timeLayout)}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isBusy(err) {
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, userID ledger.UserID) (ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok, err := loadRecord(ctx, s.db, userID)
	if err != nil {
		return ledger.Record{}, err
	}
	if !ok {
		return ledger.Record{}, fmt.Errorf("user %s: %w", userID, ledger.ErrRecordNotFound)
	}
	return rec, nil
}

func (s *Store) Top(ctx context.Context, n int) ([]ledger.Standing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, display_name, email, points
		FROM reward_records
		ORDER BY points DESC, user_id ASC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []ledger.Standing
	for rows.Next() {
		var (
			st                 ledger.Standing
			id                 string
			displayName, email sql.NullString
		)
		if err := rows.Scan(&id, &displayName, &email, &st.Points); err != nil {
			return nil, err
		}
		st.UserID = ledger.UserID(id)
		st.Name = rewards.Profile{DisplayName: displayName.String, Email: email.String}.Label()
		st.Rank = len(out) + 1
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UserIDs(ctx context.Context) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM reward_records ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []ledger.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, ledger.UserID(id))
	}
	return ids, rows.Err()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"coupons", "processed_events", "reward_records"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW (ledger.Tx interface)
// =============================================================================

type txView struct {
	tx      *sql.Tx
	userID  ledger.UserID
	now     string
	version int64
}

func (t *txView) Get(ctx context.Context) (ledger.Record, bool, error) {
	rec, ok, err := loadRecord(ctx, t.tx, t.userID)
	if err == nil && ok {
		t.version = rec.Version
	}
	return rec, ok, err
}

func (t *txView) Create(ctx context.Context, rec ledger.Record) error {
	badges, err := json.Marshal(nonNil(rec.Badges))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO reward_records (user_id, points, badges_json, last_coupon_milestone,
			display_name, email, role, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, string(t.userID), rec.Points, string(badges), rec.LastCouponMilestone,
		nullString(rec.Profile.DisplayName), nullString(rec.Profile.Email), nullString(string(rec.Profile.Role)),
		t.now, t.now)
	if isUniqueConstraintError(err) {
		return ledger.ErrConcurrentModification
	}
	if err != nil {
		return fmt.Errorf("failed to create record %s: %w", t.userID, err)
	}
	t.version = 1
	return nil
}

func (t *txView) SetPoints(ctx context.Context, points int) error {
	return t.update(ctx, "points = ?", points)
}

func (t *txView) SetBadges(ctx context.Context, badges []string) error {
	b, err := json.Marshal(nonNil(badges))
	if err != nil {
		return err
	}
	return t.update(ctx, "badges_json = ?", string(b))
}

func (t *txView) SetProfile(ctx context.Context, p rewards.Profile) error {
	return t.update(ctx, "display_name = ?, email = ?, role = ?",
		nullString(p.DisplayName), nullString(p.Email), nullString(string(p.Role)))
}

func (t *txView) AppendCoupon(ctx context.Context, c rewards.Coupon, lastMilestone int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO coupons (code, user_id, milestone_index, discount_percent, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.Code, string(t.userID), c.MilestoneIndex, c.DiscountPercent,
		c.IssuedAt.UTC().Format(timeLayout), c.ExpiresAt.UTC().Format(timeLayout))
	if isUniqueConstraintError(err) {
		return ledger.ErrConcurrentModification
	}
	if err != nil {
		return fmt.Errorf("failed to append coupon for %s: %w", t.userID, err)
	}
	return t.update(ctx, "last_coupon_milestone = ?", lastMilestone)
}

func (t *txView) MarkProcessed(ctx context.Context, key string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (user_id, event_key, processed_at) VALUES (?, ?, ?)
	`, string(t.userID), key, t.now)
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// update sets fields on the record if its version is unchanged since Get.
func (t *txView) update(ctx context.Context, set string, args ...any) error {
	args = append(args, t.now, string(t.userID), t.version)
	res, err := t.tx.ExecContext(ctx,
		"UPDATE reward_records SET "+set+", version = version + 1, updated_at = ? WHERE user_id = ? AND version = ?",
		args...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", t.userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrConcurrentModification
	}
	t.version++
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isBusy(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
}
