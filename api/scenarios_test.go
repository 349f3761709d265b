package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsense/reward-ledger/ledger"
	"github.com/civicsense/reward-ledger/rewards"
)

func TestScenarios_CatalogueParses(t *testing.T) {
	all, err := Scenarios()
	require.NoError(t, err)

	var ids []string
	for _, s := range all {
		ids = append(ids, s.ID)
		assert.NotEmpty(t, s.Name, s.ID)
		assert.NotEmpty(t, s.Users, s.ID)
	}
	assert.Equal(t, []string{"fresh-citizen", "near-first-reward", "reward-ready", "leaderboard", "reversal"}, ids)
}

func TestParseScenarios_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "scenarios: [\n"},
		{"missing id", "scenarios:\n  - name: x\n"},
		{"duplicate id", "scenarios:\n  - id: a\n  - id: a\n"},
		{"user without id", "scenarios:\n  - id: a\n    users:\n      - awards: 1\n"},
		{"negative awards", "scenarios:\n  - id: a\n    users:\n      - id: u\n        awards: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenarios([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestScenarios_AllLoadWithoutError(t *testing.T) {
	s := newTestServer(t)
	all, err := Scenarios()
	require.NoError(t, err)

	for _, sc := range all {
		t.Run(sc.ID, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, "/api/scenarios/load", "root", rewards.RoleAdmin, LoadScenarioRequest{ScenarioID: sc.ID})
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			ids, err := s.store.UserIDs(context.Background())
			require.NoError(t, err)
			assert.Len(t, ids, len(sc.Users))
		})
	}
}

func TestScenario_Leaderboard(t *testing.T) {
	// GIVEN: The leaderboard scenario is loaded
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, "/api/scenarios/load", "root", rewards.RoleAdmin, LoadScenarioRequest{ScenarioID: "leaderboard"})
	require.Equal(t, http.StatusOK, rr.Code)

	// THEN: It is reported as current
	rr = s.do(t, http.MethodGet, "/api/scenarios/current", "u1", rewards.RoleCitizen, nil)
	assert.Equal(t, "leaderboard", decode[ScenarioDTO](t, rr).ID)

	// AND: The top five are ranked by points
	rr = s.do(t, http.MethodGet, "/api/leaderboard", "u1", rewards.RoleCitizen, nil)
	board := decode[LeaderboardDTO](t, rr)
	require.Len(t, board.Entries, 5)
	assert.Equal(t, StandingDTO{Rank: 1, UserID: "citizen-010", Name: "Ravi Kumar", Points: 270}, board.Entries[0])
	assert.Equal(t, "citizen-014", board.Entries[4].UserID)
	assert.Equal(t, "Unknown", board.Entries[4].Name)

	// AND: Claimed coupons are on record
	rec, err := s.store.Load(context.Background(), "citizen-010")
	require.NoError(t, err)
	assert.Len(t, rec.Coupons, 2)
	assert.Equal(t, 2, rec.LastCouponMilestone)
}

func TestScenario_Reversal(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/scenarios/load", "root", rewards.RoleAdmin, LoadScenarioRequest{ScenarioID: "reversal"})
	require.Equal(t, http.StatusOK, rr.Code)

	// The coupon survives the point loss; no new milestone is claimable.
	rr = s.do(t, http.MethodGet, "/api/me/rewards", "citizen-020", rewards.RoleCitizen, nil)
	got := decode[RewardsDTO](t, rr)
	assert.Equal(t, 80, got.Points)
	assert.Len(t, got.Coupons, 1)
	assert.False(t, got.CanClaim)
	assert.Equal(t, rewards.Badges(80), got.Badges)
}

func TestScenarios_LoadRequiresAdmin(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/scenarios/load", "u1", rewards.RoleCitizen, LoadScenarioRequest{ScenarioID: "fresh-citizen"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/scenarios/load", "root", rewards.RoleAdmin, LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestScenarios_ListAndReset(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/api/scenarios", "u1", rewards.RoleCitizen, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[[]ScenarioDTO](t, rr)
	require.NotEmpty(t, list)
	assert.Equal(t, ScenarioDTO{ID: "fresh-citizen", Name: "Fresh Citizen",
		Description: "One complaint filed; first badge earned, nothing to claim yet", Users: 1}, list[0])

	rr = s.do(t, http.MethodGet, "/api/scenarios/current", "u1", rewards.RoleCitizen, nil)
	assert.Equal(t, "null", string(rr.Body.Bytes()[:4]))

	rr = s.do(t, http.MethodPost, "/api/scenarios/load", "root", rewards.RoleAdmin, LoadScenarioRequest{ScenarioID: "fresh-citizen"})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = s.do(t, http.MethodPost, "/api/scenarios/reset", "root", rewards.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	ids, err := s.store.UserIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
	rr = s.do(t, http.MethodGet, "/api/scenarios/current", "u1", rewards.RoleCitizen, nil)
	assert.Equal(t, "null", string(rr.Body.Bytes()[:4]))
}

// =============================================================================
// BADGE AUDIT SCHEDULER
// =============================================================================

func TestBadgeAudit_StartRunsImmediately(t *testing.T) {
	// GIVEN: A record whose badges disagree with its points
	s := newTestServer(t)
	s.store.Put(ledger.Record{UserID: "u1", Points: 120, Badges: []string{"TEMP", "First Step"}})

	audit := NewBadgeAuditScheduler(s.store, s.h.Engine)
	audit.Interval = time.Hour

	// WHEN: The scheduler starts
	require.NoError(t, audit.Start())
	defer audit.Stop()

	// THEN: The first sweep heals it without waiting an interval
	assert.Eventually(t, func() bool {
		rec, err := s.store.Load(context.Background(), "u1")
		return err == nil && rewards.SameBadges(rec.Badges, rewards.Badges(120))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBadgeAudit_Disabled(t *testing.T) {
	s := newTestServer(t)
	audit := NewBadgeAuditScheduler(s.store, s.h.Engine)
	audit.Enabled = false

	require.NoError(t, audit.Start())
	audit.Stop()

	assert.Nil(t, audit.sched)
}

func TestBadgeAudit_RunNowStopsOnCancel(t *testing.T) {
	s := newTestServer(t)
	s.award(t, "a", 1)
	s.award(t, "b", 1)
	audit := NewBadgeAuditScheduler(s.store, s.h.Engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, AuditResult{}, audit.RunNow(ctx))
}
