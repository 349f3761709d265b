/*
engine.go - Award, reversal and claim transactions

PURPOSE:
  The Engine is the only writer of reward records. Each operation is a
  read-modify-write executed through Store.RunTx and retried on conflict,
  so concurrent devices and listeners never lose an update or issue a
  coupon twice.

OPERATIONS:
  Award(user)             +10 points, badges recomputed, record created on
                          first award
  Reverse(user)           -10 points floored at zero, badges recomputed
  Claim(user, target)     issue the next milestone coupon, then export it
  ApplyComplaintCreated   Award once per complaint id
  ApplyComplaintRemoved   Reverse once per complaint id
  HealBadges(user)        rewrite drifted badges (read-path self-healing)
  SaveProfile(user, p)    merge display fields into the record

RETRY POLICY:
  ErrConcurrentModification restarts the whole transaction function after
  a short linear backoff with jitter. After MaxAttempts the operation
  fails with ErrTooManyConflicts. Every other error aborts immediately.

CHANGE NOTIFICATION:
  After a commit that changed the record the Engine publishes
  notify.KindLedgerChanged. Live views (projection streams, leaderboard)
  re-read on that signal; they never poll.

CLAIM TARGETS:
  The caller passes the milestone it believes is next. The Engine always
  issues len(coupons)+1 as read inside the transaction; a stale target
  is logged and otherwise ignored.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/civicsense/reward-ledger/metrics"
	"github.com/civicsense/reward-ledger/notify"
	"github.com/civicsense/reward-ledger/rewards"
)

const (
	// DefaultMaxAttempts bounds transaction retries.
	DefaultMaxAttempts = 5

	// DefaultRetryBackoff is the base delay between attempts.
	DefaultRetryBackoff = 5 * time.Millisecond
)

// Event key prefixes recorded by MarkProcessed.
const (
	createdKeyPrefix = "created:"
	removedKeyPrefix = "removed:"
)

// Exporter renders and stores an issued coupon. Failures never undo the
// claim.
type Exporter interface {
	Export(ctx context.Context, c rewards.Coupon, p rewards.Profile) error
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine executes ledger transactions.
type Engine struct {
	Store    Store
	Policy   *rewards.DiscountPolicy
	Feed     notify.Feed // optional
	Exporter Exporter    // optional

	MaxAttempts  int
	RetryBackoff time.Duration

	// Now is the clock used for coupon issue dates.
	Now func() time.Time
}

// NewEngine creates an engine with the production discount policy.
func NewEngine(store Store) *Engine {
	return &Engine{
		Store:        store,
		Policy:       rewards.NewDiscountPolicy(rewards.DefaultValidityDays),
		MaxAttempts:  DefaultMaxAttempts,
		RetryBackoff: DefaultRetryBackoff,
		Now:          time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) policy() *rewards.DiscountPolicy {
	if e.Policy == nil {
		e.Policy = rewards.NewDiscountPolicy(rewards.DefaultValidityDays)
	}
	return e.Policy
}

// =============================================================================
// AWARD / REVERSE
// =============================================================================

// Award adds PointsPerComplaint to the user's record and recomputes badges.
// The record is created on first award.
func (e *Engine) Award(ctx context.Context, userID UserID) (err error) {
	defer e.observe("award", time.Now(), &err)

	if userID == "" {
		return ErrInvalidUser
	}
	if err := e.transact(ctx, "award", userID, func(tx Tx) error {
		return e.award(ctx, userID, tx)
	}); err != nil {
		return err
	}
	e.signal(ctx, userID)
	return nil
}

func (e *Engine) award(ctx context.Context, userID UserID, tx Tx) error {
	rec, ok, err := tx.Get(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return tx.Create(ctx, NewRecord(userID, rewards.PointsPerComplaint))
	}

	points := rec.Points + rewards.PointsPerComplaint
	if err := tx.SetPoints(ctx, points); err != nil {
		return err
	}
	if badges := rewards.Badges(points); !rewards.SameBadges(rec.Badges, badges) {
		return tx.SetBadges(ctx, badges)
	}
	return nil
}

// Reverse subtracts PointsPerComplaint, never going below zero. A missing
// record is left alone.
func (e *Engine) Reverse(ctx context.Context, userID UserID) (err error) {
	defer e.observe("reverse", time.Now(), &err)

	if userID == "" {
		return ErrInvalidUser
	}
	var changed bool
	if err := e.transact(ctx, "reverse", userID, func(tx Tx) error {
		var err error
		changed, err = e.reverse(ctx, tx)
		return err
	}); err != nil {
		return err
	}
	if changed {
		e.signal(ctx, userID)
	}
	return nil
}

func (e *Engine) reverse(ctx context.Context, tx Tx) (bool, error) {
	rec, ok, err := tx.Get(ctx)
	if err != nil || !ok {
		return false, err
	}

	points := max(rec.Points-rewards.PointsPerComplaint, 0)
	if err := tx.SetPoints(ctx, points); err != nil {
		return false, err
	}
	if err := tx.SetBadges(ctx, rewards.Badges(points)); err != nil {
		return false, err
	}
	return true, nil
}

// =============================================================================
// COMPLAINT EVENTS - Idempotent by complaint id
// =============================================================================

// ApplyComplaintCreated awards once per complaint id. It reports whether
// points were added. An empty complaint id falls back to a plain Award.
func (e *Engine) ApplyComplaintCreated(ctx context.Context, userID UserID, complaintID string) (applied bool, err error) {
	if complaintID == "" {
		if err := e.Award(ctx, userID); err != nil {
			return false, err
		}
		return true, nil
	}
	defer e.observe("award", time.Now(), &err)

	if userID == "" {
		return false, ErrInvalidUser
	}
	err = e.transact(ctx, "award", userID, func(tx Tx) error {
		applied = false
		fresh, err := tx.MarkProcessed(ctx, createdKeyPrefix+complaintID)
		if err != nil || !fresh {
			return err
		}
		if err := e.award(ctx, userID, tx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		e.signal(ctx, userID)
	} else {
		log.Printf("[Ledger] Complaint %s for %s already awarded", complaintID, userID)
	}
	return applied, nil
}

// ApplyComplaintRemoved reverses once per complaint id. An empty complaint
// id falls back to a plain Reverse.
func (e *Engine) ApplyComplaintRemoved(ctx context.Context, userID UserID, complaintID string) (applied bool, err error) {
	if complaintID == "" {
		if err := e.Reverse(ctx, userID); err != nil {
			return false, err
		}
		return true, nil
	}
	defer e.observe("reverse", time.Now(), &err)

	if userID == "" {
		return false, ErrInvalidUser
	}
	err = e.transact(ctx, "reverse", userID, func(tx Tx) error {
		applied = false
		// Checked before marking so a removal for an unknown user does not
		// create processed-event rows without a record.
		if _, ok, err := tx.Get(ctx); err != nil || !ok {
			return err
		}
		fresh, err := tx.MarkProcessed(ctx, removedKeyPrefix+complaintID)
		if err != nil || !fresh {
			return err
		}
		applied, err = e.reverse(ctx, tx)
		return err
	})
	if err != nil {
		return false, err
	}
	if applied {
		e.signal(ctx, userID)
	}
	return applied, nil
}

// =============================================================================
// CLAIM
// =============================================================================

// Claim issues the coupon for the next unclaimed milestone. target is the
// milestone the caller believes is next; the transaction's own read wins.
//
// After commit the record is re-read and its latest coupon is exported.
// Export failures are logged and do not affect the returned coupon.
func (e *Engine) Claim(ctx context.Context, userID UserID, target int) (coupon rewards.Coupon, err error) {
	defer e.observe("claim", time.Now(), &err)

	if userID == "" {
		return rewards.Coupon{}, ErrInvalidUser
	}

	var issued rewards.Coupon
	err = e.transact(ctx, "claim", userID, func(tx Tx) error {
		rec, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("claim for %s: %w", userID, ErrRecordNotFound)
		}

		next := rec.NextClaim()
		if !rec.Eligible() {
			return &NotEligibleError{
				UserID:  userID,
				Points:  rec.Points,
				Issued:  len(rec.Coupons),
				Reached: rec.ReachedMilestones(),
			}
		}
		if target > 0 && target != next {
			log.Printf("[Ledger] Claim target %d for %s is stale; issuing milestone %d", target, userID, next)
		}

		c, err := e.policy().NewCoupon(next, e.now())
		if err != nil {
			return fmt.Errorf("failed to mint coupon: %w", err)
		}
		if err := tx.AppendCoupon(ctx, c, next); err != nil {
			return err
		}
		issued = c
		return nil
	})
	if err != nil {
		return rewards.Coupon{}, err
	}

	metrics.CouponsIssued.Inc()
	log.Printf("[Ledger] Issued %s (%d%%) to %s for milestone %d",
		issued.Code, issued.DiscountPercent, userID, issued.MilestoneIndex)

	e.signal(ctx, userID)
	e.export(ctx, userID, issued)
	return issued, nil
}

// export re-reads the committed record and hands its latest coupon to the
// exporter.
func (e *Engine) export(ctx context.Context, userID UserID, issued rewards.Coupon) {
	if e.Exporter == nil {
		return
	}

	coupon := issued
	var profile rewards.Profile
	rec, err := e.Store.Load(ctx, userID)
	if err != nil {
		log.Printf("[Ledger] Re-read after claim failed for %s: %v", userID, err)
	} else {
		if latest, ok := rec.LatestCoupon(); ok {
			coupon = latest
		}
		profile = rec.Profile
	}

	if err := e.Exporter.Export(ctx, coupon, profile); err != nil {
		metrics.ExportFailures.Inc()
		log.Printf("[Ledger] Export of %s for %s failed: %v", coupon.Code, userID, err)
	}
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// HealBadges rewrites the stored badges when they differ from the
// recomputed list. It reports whether a write happened.
func (e *Engine) HealBadges(ctx context.Context, userID UserID) (healed bool, err error) {
	defer e.observe("heal", time.Now(), &err)

	if userID == "" {
		return false, ErrInvalidUser
	}
	err = e.transact(ctx, "heal", userID, func(tx Tx) error {
		healed = false
		rec, ok, err := tx.Get(ctx)
		if err != nil || !ok {
			return err
		}
		want := rewards.Badges(rec.Points)
		if rewards.SameBadges(rec.Badges, want) {
			return nil
		}
		if legacy := len(rec.Badges) - len(rewards.CleanBadges(rec.Badges)); legacy > 0 {
			log.Printf("[Ledger] Dropping %d legacy badge entries for %s", legacy, userID)
		}
		healed = true
		return tx.SetBadges(ctx, want)
	})
	if err != nil {
		return false, err
	}
	if healed {
		e.signal(ctx, userID)
	}
	return healed, nil
}

// SaveProfile merges display fields into the record, creating an empty
// record if needed.
func (e *Engine) SaveProfile(ctx context.Context, userID UserID, p rewards.Profile) (err error) {
	defer e.observe("profile", time.Now(), &err)

	if userID == "" {
		return ErrInvalidUser
	}
	if err := e.transact(ctx, "profile", userID, func(tx Tx) error {
		rec, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fresh := NewRecord(userID, 0)
			fresh.Profile = p
			return tx.Create(ctx, fresh)
		}
		return tx.SetProfile(ctx, rec.Profile.Merge(p))
	}); err != nil {
		return err
	}
	e.signal(ctx, userID)
	return nil
}

// =============================================================================
// TRANSACTION PLUMBING
// =============================================================================

// transact runs fn through the store, retrying on conflicts.
func (e *Engine) transact(ctx context.Context, op string, userID UserID, fn func(Tx) error) error {
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = e.Store.RunTx(ctx, userID, fn)
		if !IsRetryable(err) {
			return err
		}
		metrics.TxConflicts.WithLabelValues(op).Inc()
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.backoff(attempt)):
		}
	}

	log.Printf("[Ledger] %s for %s gave up after %d attempts", op, userID, attempts)
	return fmt.Errorf("%s for %s: %w: %w", op, userID, ErrTooManyConflicts, err)
}

func (e *Engine) backoff(attempt int) time.Duration {
	base := e.RetryBackoff
	if base <= 0 {
		return 0
	}
	d := base * time.Duration(attempt)
	return d + rand.N(base)
}

// signal publishes a ledger change for userID.
func (e *Engine) signal(ctx context.Context, userID UserID) {
	if e.Feed == nil {
		return
	}
	err := e.Feed.Publish(ctx, notify.Event{Kind: notify.KindLedgerChanged, UserID: string(userID)})
	if err != nil && !errors.Is(err, notify.ErrClosed) {
		log.Printf("[Ledger] Change notification for %s failed: %v", userID, err)
	}
}

func (e *Engine) observe(op string, start time.Time, err *error) {
	status := "ok"
	switch {
	case *err == nil:
	case IsClientError(*err):
		status = "rejected"
	case errors.Is(*err, ErrTooManyConflicts):
		status = "conflict"
	default:
		status = "error"
	}
	metrics.RecordOperation(op, status, time.Since(start).Seconds())
}
