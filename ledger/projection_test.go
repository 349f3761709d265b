package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsense/reward-ledger/ledger"
	"github.com/civicsense/reward-ledger/notify"
	"github.com/civicsense/reward-ledger/rewards"
)

// =============================================================================
// PROJECT
// =============================================================================

func coupons(n int) []rewards.Coupon {
	out := make([]rewards.Coupon, n)
	for i := range out {
		out[i] = rewards.Coupon{Code: "CS-0000000" + string(rune('1'+i)), MilestoneIndex: i + 1}
	}
	return out
}

func TestProject_Examples(t *testing.T) {
	tests := []struct {
		name     string
		points   int
		issued   int
		percent  int
		toNext   int
		eligible bool
		next     int
		message  string
	}{
		{"zero", 0, 0, 0, 100, false, 1, ledger.MsgReachFirst},
		{"almost", 90, 0, 90, 10, false, 1, ledger.MsgReachFirst},
		{"first milestone", 100, 0, 0, 100, true, 1, "You can claim coupon for 100 pts!"},
		{"claimed", 120, 1, 20, 80, false, 2, ledger.MsgNothingNew},
		{"second pending", 250, 1, 50, 50, true, 2, "You can claim coupon for 200 pts!"},
		{"two pending", 300, 1, 0, 100, true, 2, "You can claim coupon for 200 pts!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ledger.Record{UserID: "u1", Points: tt.points, Coupons: coupons(tt.issued)}

			v := ledger.Project(rec)

			assert.Equal(t, tt.points, v.Points)
			assert.Equal(t, tt.percent, v.CyclePercent)
			assert.Equal(t, tt.toNext, v.PointsToNext)
			assert.Equal(t, tt.eligible, v.Eligible)
			assert.Equal(t, tt.next, v.NextMilestone)
			assert.Equal(t, tt.message, v.ClaimMessage)
			assert.Equal(t, rewards.Badges(tt.points), v.Badges)
			assert.Len(t, v.Coupons, tt.issued)
		})
	}
}

func TestProject_ProgressText(t *testing.T) {
	v := ledger.Project(ledger.Record{Points: 250})
	assert.Equal(t, "50 pts to next reward", v.ProgressText)
	assert.Equal(t, "Triple Century Legend", v.NextBadge)

	top := ledger.Project(ledger.Record{Points: 500})
	assert.Empty(t, top.NextBadge)
}

func TestProject_IgnoresStoredBadges(t *testing.T) {
	rec := ledger.Record{Points: 30, Badges: []string{"TEMP"}}
	assert.Equal(t, rewards.Badges(30), ledger.Project(rec).Badges)
}

func TestProject_DoesNotAliasCoupons(t *testing.T) {
	rec := ledger.Record{Points: 100, Coupons: coupons(1)}
	v := ledger.Project(rec)
	v.Coupons[0].Code = "changed"
	assert.NotEqual(t, "changed", rec.Coupons[0].Code)
}

// =============================================================================
// REFRESH
// =============================================================================

func TestRefresh_MissingRecordRendersZero(t *testing.T) {
	e, _ := newTestEngine(t)
	p := ledger.NewProjection(e)

	v, err := p.Refresh(context.Background(), "ghost")

	require.NoError(t, err)
	assert.Equal(t, 0, v.Points)
	assert.Empty(t, v.Badges)
	assert.Equal(t, ledger.MsgReachFirst, v.ClaimMessage)
}

func TestRefresh_HealsDriftedBadges(t *testing.T) {
	// GIVEN: A stored record whose badges disagree with its points
	e, mem := newTestEngine(t)
	mem.Put(ledger.Record{UserID: "u1", Points: 50, Badges: []string{"First Step", "Level 5 Citizen"}})
	p := ledger.NewProjection(e)

	// WHEN: Rendering
	v, err := p.Refresh(context.Background(), "u1")

	// THEN: The view and the store both show the recomputed list
	require.NoError(t, err)
	assert.True(t, v.BadgesRewritten)
	assert.Equal(t, rewards.Badges(50), v.Badges)
	assert.Equal(t, rewards.Badges(50), load(t, mem, "u1").Badges)

	// AND: A second render does not rewrite
	v, err = p.Refresh(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, v.BadgesRewritten)
}

func TestRefresh_RepairFailureStillRenders(t *testing.T) {
	// GIVEN: Badge repair can never commit
	e, mem := newTestEngine(t)
	e.MaxAttempts = 2
	mem.Put(ledger.Record{UserID: "u1", Points: 30})
	mem.BeforeCommit = func(userID ledger.UserID) {
		rec, _ := mem.Load(context.Background(), userID)
		mem.Put(rec)
	}
	p := ledger.NewProjection(e)

	// WHEN: Rendering
	v, err := p.Refresh(context.Background(), "u1")

	// THEN: The recomputed view is returned anyway
	require.NoError(t, err)
	assert.False(t, v.BadgesRewritten)
	assert.Equal(t, rewards.Badges(30), v.Badges)
}

func TestRefresh_EmptyUser(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := ledger.NewProjection(e).Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidUser)
}

// =============================================================================
// LEADERBOARD
// =============================================================================

func TestLeaderboard_SnapshotRanksTopN(t *testing.T) {
	// GIVEN: Seven users
	e, _ := newTestEngine(t)
	ctx := context.Background()
	for i, n := range []int{3, 9, 1, 7, 5, 2, 8} {
		id := ledger.UserID(string(rune('a' + i)))
		awardN(t, e, id, n)
	}
	require.NoError(t, e.SaveProfile(ctx, "b", rewards.Profile{DisplayName: "Bea"}))

	// WHEN: Taking the default top 5
	rows, err := ledger.NewLeaderboard(e.Store, nil).Snapshot(ctx)

	// THEN: Highest points first, ranks from 1, unknown names labelled
	require.NoError(t, err)
	require.Len(t, rows, ledger.DefaultLeaderboardSize)
	assert.Equal(t, ledger.Standing{Rank: 1, UserID: "b", Name: "Bea", Points: 90}, rows[0])
	assert.Equal(t, ledger.Standing{Rank: 2, UserID: "g", Name: "Unknown", Points: 80}, rows[1])
	for i, r := range rows {
		assert.Equal(t, i+1, r.Rank)
		if i > 0 {
			assert.LessOrEqual(t, r.Points, rows[i-1].Points)
		}
	}
}

func TestLeaderboard_StartPushesChanges(t *testing.T) {
	// GIVEN: A live leaderboard over a broker
	e, _ := newTestEngine(t)
	b := notify.NewBroker()
	defer b.Close()
	e.Feed = b
	awardN(t, e, "a", 2)

	updates := make(chan []ledger.Standing, 16)
	lb := ledger.NewLeaderboard(e.Store, b)
	cancel, err := lb.Start(context.Background(), func(rows []ledger.Standing) { updates <- rows })
	require.NoError(t, err)
	defer cancel()

	// THEN: The initial ranking arrives synchronously
	first := <-updates
	require.Len(t, first, 1)
	assert.Equal(t, 20, first[0].Points)

	// WHEN: Another user overtakes
	awardN(t, e, "b", 3)

	// THEN: The new ranking is pushed
	require.Eventually(t, func() bool {
		select {
		case rows := <-updates:
			return len(rows) == 2 && rows[0].UserID == "b" && rows[0].Points == 30
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLeaderboard_UnchangedRankingNotPushed(t *testing.T) {
	// GIVEN: A live leaderboard of size 1
	e, _ := newTestEngine(t)
	b := notify.NewBroker()
	defer b.Close()
	e.Feed = b
	awardN(t, e, "a", 5)

	updates := make(chan []ledger.Standing, 16)
	lb := ledger.NewLeaderboard(e.Store, b)
	lb.Size = 1
	cancel, err := lb.Start(context.Background(), func(rows []ledger.Standing) { updates <- rows })
	require.NoError(t, err)
	defer cancel()
	<-updates

	// WHEN: A user outside the top 1 changes
	awardN(t, e, "z", 1)

	// THEN: Nothing is pushed
	select {
	case rows := <-updates:
		t.Fatalf("unexpected push %+v", rows)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLeaderboard_CancelIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	b := notify.NewBroker()
	defer b.Close()

	cancel, err := ledger.NewLeaderboard(e.Store, b).Start(context.Background(), func([]ledger.Standing) {})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers())
}

func TestLeaderboard_AttachFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	b := notify.NewBroker()
	b.Close()

	_, err := ledger.NewLeaderboard(e.Store, b).Start(context.Background(), func([]ledger.Standing) {})
	assert.ErrorIs(t, err, ledger.ErrListenerAttach)

	_, err = ledger.NewLeaderboard(e.Store, nil).Start(context.Background(), func([]ledger.Standing) {})
	assert.ErrorIs(t, err, ledger.ErrListenerAttach)
}

// =============================================================================
// RECONCILER
// =============================================================================

func TestReconciler_ReversesRemovalsOnce(t *testing.T) {
	// GIVEN: A signed-in user with two complaints
	e, mem := newTestEngine(t)
	b := notify.NewBroker()
	defer b.Close()
	e.Feed = b
	ctx := context.Background()
	_, err := e.ApplyComplaintCreated(ctx, "u1", "c-1")
	require.NoError(t, err)
	_, err = e.ApplyComplaintCreated(ctx, "u1", "c-2")
	require.NoError(t, err)

	cancel, err := ledger.NewReconciler(e, b).Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer cancel()

	// WHEN: The removal of c-1 is published twice, plus one for another user
	removed := notify.Event{Kind: notify.KindComplaintRemoved, UserID: "u1", ComplaintID: "c-1"}
	require.NoError(t, b.Publish(ctx, removed))
	require.NoError(t, b.Publish(ctx, removed))
	require.NoError(t, b.Publish(ctx, notify.Event{Kind: notify.KindComplaintRemoved, UserID: "u2", ComplaintID: "c-9"}))

	// THEN: u1 loses exactly one award
	require.Eventually(t, func() bool {
		return load(t, mem, "u1").Points == 10
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 10, load(t, mem, "u1").Points)
}

func TestReconciler_RemovalWithoutComplaintIDAppliedOnceAcrossSessions(t *testing.T) {
	// GIVEN: A user at 30 points signed in on two devices
	e, mem := newTestEngine(t)
	b := notify.NewBroker()
	defer b.Close()
	e.Feed = b
	ctx := context.Background()
	awardN(t, e, "u1", 3)

	r := ledger.NewReconciler(e, b)
	for i := 0; i < 2; i++ {
		cancel, err := r.Subscribe(ctx, "u1")
		require.NoError(t, err)
		defer cancel()
	}

	// WHEN: One removal event without a complaint id is published
	require.NoError(t, b.Publish(ctx, notify.Event{Kind: notify.KindComplaintRemoved, UserID: "u1"}))

	// THEN: Both sessions see it, but only one award is reversed
	require.Eventually(t, func() bool {
		return load(t, mem, "u1").Points == 20
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 20, load(t, mem, "u1").Points)

	// AND: A second event without an id is a separate removal
	require.NoError(t, b.Publish(ctx, notify.Event{Kind: notify.KindComplaintRemoved, UserID: "u1"}))
	require.Eventually(t, func() bool {
		return load(t, mem, "u1").Points == 10
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconciler_StopsAfterCancel(t *testing.T) {
	// GIVEN: A session that signed out
	e, mem := newTestEngine(t)
	b := notify.NewBroker()
	defer b.Close()
	ctx := context.Background()
	_, err := e.ApplyComplaintCreated(ctx, "u1", "c-1")
	require.NoError(t, err)

	cancel, err := ledger.NewReconciler(e, b).Subscribe(ctx, "u1")
	require.NoError(t, err)
	cancel()
	cancel()

	// WHEN: A removal is published with nobody listening
	require.NoError(t, b.Publish(ctx, notify.Event{Kind: notify.KindComplaintRemoved, UserID: "u1", ComplaintID: "c-1"}))

	// THEN: It is not applied
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 10, load(t, mem, "u1").Points)
	assert.Equal(t, 0, b.Subscribers())
}

func TestReconciler_Rejects(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := ledger.NewReconciler(e, notify.NewBroker()).Subscribe(context.Background(), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidUser)

	_, err = ledger.NewReconciler(e, nil).Subscribe(context.Background(), "u1")
	assert.ErrorIs(t, err, ledger.ErrListenerAttach)
}
