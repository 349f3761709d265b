/*
projection.go - Read path for the rewards page

PURPOSE:
  Turns a reward record into everything the rewards page shows: points,
  cycle progress, badges, claim button state and coupon list. Refresh
  also repairs drifted badges on the way.

SELF-HEALING:
  If the stored badges differ from the list recomputed from points, Refresh
  asks the Engine to rewrite them in a transaction. The view always shows
  the recomputed list, whether or not that write succeeds.

EXAMPLE:
  points = 250, coupons = 1
  -> cyclePercent 50, pointsToNext 50, "50 pts to next reward"
  -> eligible, next claimable milestone 2
  -> "You can claim coupon for 200 pts!"
*/
package ledger

import (
	"context"
	"fmt"
	"log"

	"github.com/civicsense/reward-ledger/rewards"
)

// Claim messages.
const (
	MsgNothingNew  = "No new coupons to claim right now."
	MsgReachFirst  = "Reach 100 points to unlock a special reward."
	msgCanClaimFmt = "You can claim coupon for %d pts!"
	progressFmt    = "%d pts to next reward"
)

// View is the rendered state of a user's rewards.
type View struct {
	UserID          UserID           `json:"user_id"`
	Points          int              `json:"points"`
	CyclePercent    int              `json:"cycle_percent"`
	PointsToNext    int              `json:"points_to_next"`
	ProgressText    string           `json:"progress_text"`
	Badges          []string         `json:"badges"`
	NextBadge       string           `json:"next_badge,omitempty"`
	Eligible        bool             `json:"eligible"`
	NextMilestone   int              `json:"next_milestone"`
	ClaimMessage    string           `json:"claim_message"`
	Coupons         []rewards.Coupon `json:"coupons"`
	DisplayName     string           `json:"display_name,omitempty"`
	BadgesRewritten bool             `json:"-"`
}

// Project renders rec. It has no side effects.
func Project(rec Record) View {
	points := max(rec.Points, 0)
	step := rewards.MilestoneStep
	reached := rewards.ReachedMilestones(points)
	toNext := step*(reached+1) - points

	v := View{
		UserID:        rec.UserID,
		Points:        points,
		CyclePercent:  points % step,
		PointsToNext:  toNext,
		ProgressText:  fmt.Sprintf(progressFmt, toNext),
		Badges:        rewards.Badges(points),
		NextMilestone: len(rec.Coupons) + 1,
		Coupons:       append([]rewards.Coupon{}, rec.Coupons...),
		DisplayName:   rec.Profile.DisplayName,
	}
	v.Eligible = reached >= v.NextMilestone

	if m, ok := rewards.NextMilestone(points); ok {
		v.NextBadge = m.Name
	}

	switch {
	case v.Eligible:
		v.ClaimMessage = fmt.Sprintf(msgCanClaimFmt, v.NextMilestone*step)
	case reached >= 1:
		v.ClaimMessage = MsgNothingNew
	default:
		v.ClaimMessage = MsgReachFirst
	}
	return v
}

// =============================================================================
// PROJECTION - Load + heal + render
// =============================================================================

// Projection serves views for the rewards page.
type Projection struct {
	Store  Store
	Engine *Engine
}

// NewProjection creates a projection reading from engine's store.
func NewProjection(engine *Engine) *Projection {
	return &Projection{Store: engine.Store, Engine: engine}
}

// Refresh loads the user's record and renders it. A missing record renders
// as zero points. Badge repair failures are logged, not returned.
func (p *Projection) Refresh(ctx context.Context, userID UserID) (View, error) {
	if userID == "" {
		return View{}, ErrInvalidUser
	}

	rec, err := p.Store.Load(ctx, userID)
	if IsNotFound(err) {
		return Project(NewRecord(userID, 0)), nil
	}
	if err != nil {
		return View{}, fmt.Errorf("failed to load rewards for %s: %w", userID, err)
	}

	healed := false
	if !rec.BadgesConsistent() && p.Engine != nil {
		healed, err = p.Engine.HealBadges(ctx, userID)
		if err != nil {
			log.Printf("[Projection] Badge repair for %s failed: %v", userID, err)
		}
	}

	v := Project(rec)
	v.BadgesRewritten = healed
	return v, nil
}
