/*
store.go - Storage contract for reward records

PURPOSE:
  Defines what a keyed document store must offer so the Engine can keep
  the ledger invariants: a serializable read-modify-write transaction per
  user record, field-level writes, an explicit append-to-sequence
  primitive and an ordered, limited query for the leaderboard.

TRANSACTIONS:
  RunTx runs fn exactly once against one user's record. It either commits
  every write fn made or none of them. When another writer got there first
  the store returns ErrConcurrentModification and the Engine retries the
  whole function, re-reading the record. Stores may implement this with
  optimistic versions (memory), a single writer (SQLite) or row locks
  (PostgreSQL).

FIELD-LEVEL WRITES:
  SetPoints, SetBadges, SetProfile and AppendCoupon touch only their own
  fields. AppendCoupon is the only way coupons change: it appends, never
  rewrites the sequence.

IDEMPOTENCY:
  MarkProcessed records an event key for the user inside the transaction.
  It reports false when the key was already recorded, which makes
  redelivered complaint events no-ops.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, optimistic (tests/dev)
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via sqlx
*/
package ledger

import (
	"context"

	"github.com/civicsense/reward-ledger/rewards"
)

// Store persists reward records.
type Store interface {
	// RunTx executes fn as one atomic attempt on userID's record.
	RunTx(ctx context.Context, userID UserID, fn func(tx Tx) error) error

	// Load reads a record outside a transaction.
	// Returns ErrRecordNotFound if absent.
	Load(ctx context.Context, userID UserID) (Record, error)

	// Top returns up to n records ordered by points descending.
	// Ties are ordered by user id.
	Top(ctx context.Context, n int) ([]Standing, error)

	// UserIDs lists every record key.
	UserIDs(ctx context.Context) ([]UserID, error)

	// Reset removes all data. Demo and test use only.
	Reset(ctx context.Context) error
}

// Tx is the transactional view of one user's record.
type Tx interface {
	// Get re-reads the record. ok is false if it does not exist.
	Get(ctx context.Context) (rec Record, ok bool, err error)

	// Create inserts the record. Fails if it already exists.
	Create(ctx context.Context, rec Record) error

	SetPoints(ctx context.Context, points int) error
	SetBadges(ctx context.Context, badges []string) error
	SetProfile(ctx context.Context, profile rewards.Profile) error

	// AppendCoupon appends c to the coupon sequence and sets
	// LastCouponMilestone.
	AppendCoupon(ctx context.Context, c rewards.Coupon, lastMilestone int) error

	// MarkProcessed records key. Returns false if already recorded.
	MarkProcessed(ctx context.Context, key string) (bool, error)
}
