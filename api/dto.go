/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Rewards:      RewardsDTO, CouponDTO, ClaimRequest, ClaimResponse
  Profile:      UpdateProfileRequest
  Leaderboard:  LeaderboardDTO, StandingDTO
  Sessions:     SessionDTO
  Complaints:   ComplaintEventRequest, ComplaintEventResponse
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/projection.go: View, the source of RewardsDTO
*/
package api

import (
	"time"

	"github.com/civicsense/reward-ledger/ledger"
	"github.com/civicsense/reward-ledger/rewards"
)

// =============================================================================
// REWARDS
// =============================================================================

// RewardsDTO is the rewards page state.
type RewardsDTO struct {
	UserID        string      `json:"user_id"`
	DisplayName   string      `json:"display_name,omitempty"`
	Points        int         `json:"points"`
	CyclePercent  int         `json:"cycle_percent"`
	PointsToNext  int         `json:"points_to_next"`
	ProgressText  string      `json:"progress_text"`
	Badges        []string    `json:"badges"`
	NextBadge     string      `json:"next_badge,omitempty"`
	CanClaim      bool        `json:"can_claim"`
	NextMilestone int         `json:"next_milestone"`
	ClaimMessage  string      `json:"claim_message"`
	Coupons       []CouponDTO `json:"coupons"`
}

// CouponDTO represents an issued coupon.
type CouponDTO struct {
	Code            string `json:"code"`
	DiscountPercent int    `json:"discount_percent"`
	MilestoneIndex  int    `json:"milestone_index"`
	MilestonePoints int    `json:"milestone_points"`
	IssuedAt        string `json:"issued_at"`
	ExpiresAt       string `json:"expires_at"`
	Expired         bool   `json:"expired"`
	ExportURL       string `json:"export_url"`
}

// ClaimRequest asks for the coupon of a milestone.
type ClaimRequest struct {
	Milestone int `json:"milestone"`
}

// ClaimResponse is returned after a successful claim.
type ClaimResponse struct {
	Coupon  CouponDTO  `json:"coupon"`
	Rewards RewardsDTO `json:"rewards"`
}

// UpdateProfileRequest sets display fields. Empty fields are left alone.
type UpdateProfileRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// =============================================================================
// LEADERBOARD
// =============================================================================

// StandingDTO is one leaderboard row.
type StandingDTO struct {
	Rank   int    `json:"rank"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// LeaderboardDTO is a ranked snapshot.
type LeaderboardDTO struct {
	Entries []StandingDTO `json:"entries"`
}

// =============================================================================
// SESSIONS / COMPLAINT EVENTS
// =============================================================================

// SessionDTO describes a signed-in session.
type SessionDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	StartedAt string `json:"started_at"`
}

// ComplaintEventRequest is a complaint lifecycle event from the complaint
// service.
type ComplaintEventRequest struct {
	Kind        string `json:"kind"` // "created" or "removed"
	UserID      string `json:"user_id"`
	ComplaintID string `json:"complaint_id"`
}

// ComplaintEventResponse reports what the intake did. For removals,
// ListeningSessions counts the owner's sessions on this instance; zero
// means the removal is not applied here.
type ComplaintEventResponse struct {
	Kind              string `json:"kind"`
	Applied           bool   `json:"applied"`
	Forwarded         bool   `json:"forwarded"`
	ListeningSessions int    `json:"listening_sessions"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Users       int    `json:"users"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRewardsDTO(v ledger.View, now time.Time) RewardsDTO {
	coupons := make([]CouponDTO, 0, len(v.Coupons))
	for _, c := range v.Coupons {
		coupons = append(coupons, toCouponDTO(c, now))
	}
	return RewardsDTO{
		UserID:        string(v.UserID),
		DisplayName:   v.DisplayName,
		Points:        v.Points,
		CyclePercent:  v.CyclePercent,
		PointsToNext:  v.PointsToNext,
		ProgressText:  v.ProgressText,
		Badges:        v.Badges,
		NextBadge:     v.NextBadge,
		CanClaim:      v.Eligible,
		NextMilestone: v.NextMilestone,
		ClaimMessage:  v.ClaimMessage,
		Coupons:       coupons,
	}
}

func toCouponDTO(c rewards.Coupon, now time.Time) CouponDTO {
	return CouponDTO{
		Code:            c.Code,
		DiscountPercent: c.DiscountPercent,
		MilestoneIndex:  c.MilestoneIndex,
		MilestonePoints: c.MilestonePoints(),
		IssuedAt:        c.IssuedAt.Format(time.RFC3339),
		ExpiresAt:       c.ExpiresAt.Format(time.RFC3339),
		Expired:         c.Expired(now),
		ExportURL:       "/api/me/coupons/" + c.Code + "/export",
	}
}

func toLeaderboardDTO(rows []ledger.Standing) LeaderboardDTO {
	entries := make([]StandingDTO, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, StandingDTO{
			Rank:   r.Rank,
			UserID: string(r.UserID),
			Name:   r.Name,
			Points: r.Points,
		})
	}
	return LeaderboardDTO{Entries: entries}
}
