/*
Package ledger is the transactional core of the CivicSense reward system.

PURPOSE:
  Converts complaint activity into points, milestone badges and discount
  coupons, and keeps every user's reward record consistent while several
  devices, sessions and background listeners mutate it at once.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record:   The per-user reward document (points, badges, coupons)
  - Standing: One leaderboard row
  - UserID:   Stable identifier supplied by the identity provider

CRITICAL INVARIANTS:
  I1. badges == rewards.Badges(points), always recomputed, never drifted
  I2. len(coupons) <= points/100 when a coupon is issued
  I3. at most one coupon per milestone index, even under concurrent claims
  I4. points >= 0
  I5. concurrent award/reversal events never lose an update

HOW THE INVARIANTS HOLD:
  Every mutation runs inside Store.RunTx and re-reads the record through
  Tx.Get before writing. Nothing is ever written from a stale in-memory
  copy. Conflicting commits fail with ErrConcurrentModification and the
  Engine retries the whole read-modify-write.

COMPONENTS:
  engine.go:      Award, Reverse, Claim (+ idempotent complaint events)
  projection.go:  Read path with lazy badge self-healing
  leaderboard.go: Live top-N ranking
  reconciler.go:  Reverses awards when complaints are removed

SEE ALSO:
  - rewards/: Milestone table and discount policy
  - store.go: Storage contract
  - ledger/store/memory.go, store/sqlite, store/postgres: Implementations
*/
package ledger

import (
	"time"

	"github.com/civicsense/reward-ledger/rewards"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID identifies a reward record.
type UserID string

// =============================================================================
// RECORD - One per user
// =============================================================================

// Record is a user's reward document.
type Record struct {
	UserID              UserID           `json:"user_id"`
	Points              int              `json:"points"`
	Badges              []string         `json:"badges"`
	Coupons             []rewards.Coupon `json:"coupons"`
	LastCouponMilestone int              `json:"last_coupon_milestone"`
	Profile             rewards.Profile  `json:"profile"`

	// Version increases on every committed write.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord returns the record created by a user's first award.
func NewRecord(userID UserID, points int) Record {
	return Record{
		UserID:  userID,
		Points:  points,
		Badges:  rewards.Badges(points),
		Coupons: []rewards.Coupon{},
	}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Badges = append([]string{}, r.Badges...)
	out.Coupons = append([]rewards.Coupon{}, r.Coupons...)
	return out
}

// ReachedMilestones is floor(points/100).
func (r Record) ReachedMilestones() int {
	return rewards.ReachedMilestones(r.Points)
}

// NextClaim is the milestone index the next coupon would carry.
func (r Record) NextClaim() int {
	return len(r.Coupons) + 1
}

// Eligible reports whether an unclaimed milestone has been reached.
func (r Record) Eligible() bool {
	return r.ReachedMilestones() >= r.NextClaim()
}

// BadgesConsistent reports whether stored badges match the points.
func (r Record) BadgesConsistent() bool {
	return rewards.SameBadges(r.Badges, rewards.Badges(r.Points))
}

// LatestCoupon returns the most recently appended coupon.
func (r Record) LatestCoupon() (rewards.Coupon, bool) {
	if len(r.Coupons) == 0 {
		return rewards.Coupon{}, false
	}
	return r.Coupons[len(r.Coupons)-1], true
}

// =============================================================================
// STANDING - Leaderboard row
// =============================================================================

// Standing is one leaderboard row.
type Standing struct {
	Rank   int    `json:"rank"`
	UserID UserID `json:"user_id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}
