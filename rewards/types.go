/*
Package rewards holds the static reward catalog of the CivicSense ledger:
the milestone table that maps cumulative points to badges, and the discount
policy that mints coupons when a 100-point milestone is claimed.

PURPOSE:
  Everything in this package is pure. Nothing here touches storage, the
  clock or global randomness: callers inject a time and a random source.
  The ledger package composes these pieces inside its transactions.

KEY CONCEPTS:
  Milestone:      (threshold, badge name) pair. The table is fixed.
  Coupon:         Immutable discount artifact tied to a 100-point milestone.
  DiscountPolicy: Weighted discount draw + code generation + expiry.
  Profile:        Display data for a user (leaderboard rows, coupon export).

UNITS:
  Points are plain integers. Every complaint is worth PointsPerComplaint and
  every MilestoneStep points unlock one coupon claim.

SEE ALSO:
  - milestones.go: Milestone table and badge recomputation
  - discount.go: Discount policy
  - ledger/: Transactional engine built on top of this catalog
*/
package rewards

import "time"

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// PointsPerComplaint is awarded per complaint and reversed per removal.
	PointsPerComplaint = 10

	// MilestoneStep is the number of points per coupon milestone.
	MilestoneStep = 100

	// DefaultValidityDays is how long an issued coupon stays valid.
	DefaultValidityDays = 30

	// CodePrefix starts every coupon code.
	CodePrefix = "CS-"
)

// =============================================================================
// COUPON
// =============================================================================

// Coupon is an issued discount. Immutable once created.
type Coupon struct {
	Code            string    `json:"code"`
	DiscountPercent int       `json:"discount_percent"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	MilestoneIndex  int       `json:"milestone_index"`
}

// Expired reports whether the coupon is past its expiry at t.
func (c Coupon) Expired(t time.Time) bool {
	return !t.Before(c.ExpiresAt)
}

// MilestonePoints is the point total the coupon was earned at.
func (c Coupon) MilestonePoints() int {
	return c.MilestoneIndex * MilestoneStep
}

// =============================================================================
// PROFILE
// =============================================================================

// Role of a user as recorded on their profile.
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

// Profile is the display part of a user document.
type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Role        Role   `json:"role,omitempty"`
}

// Label is the name shown to other users: display name, then email,
// then "Unknown".
func (p Profile) Label() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Email != "":
		return p.Email
	default:
		return "Unknown"
	}
}

// Merge returns p with every non-empty field of other applied.
func (p Profile) Merge(other Profile) Profile {
	if other.DisplayName != "" {
		p.DisplayName = other.DisplayName
	}
	if other.Email != "" {
		p.Email = other.Email
	}
	if other.Role != "" {
		p.Role = other.Role
	}
	return p
}
