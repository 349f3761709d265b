package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CorruptTimestamps(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	const good = "2026-03-14T10:00:00Z"
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO reward_records (user_id, points, badges_json, created_at, updated_at)
		VALUES ('bad-record', 10, '["First Step"]', ?, 'yesterday'),
		       ('bad-coupon', 100, '[]', ?, ?)
	`, good, good, good)
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO coupons (code, user_id, milestone_index, discount_percent, issued_at, expires_at)
		VALUES ('CS-AAAAAAAA', 'bad-coupon', 1, 10, ?, 'never')
	`, good)
	require.NoError(t, err)

	// A corrupt record timestamp is an error, not a zero time
	_, err = store.Load(ctx, "bad-record")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "updated_at")

	// So is a corrupt coupon timestamp
	_, err = store.Load(ctx, "bad-coupon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expires_at")
}
