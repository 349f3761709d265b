// Package store provides the in-memory ledger.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/civicsense/reward-ledger/ledger"
	"github.com/civicsense/reward-ledger/rewards"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an optimistic in-memory store. Transactions read a snapshot
// without holding the lock and validate the record version at commit, so
// concurrent writers genuinely conflict the way a document database's
// transactions do.
type Memory struct {
	mu        sync.RWMutex
	records   map[ledger.UserID]ledger.Record
	processed map[ledger.UserID]map[string]time.Time

	// BeforeCommit runs after fn and before validation. Tests use it to
	// force interleavings.
	BeforeCommit func(userID ledger.UserID)

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records:   make(map[ledger.UserID]ledger.Record),
		processed: make(map[ledger.UserID]map[string]time.Time),
		now:       time.Now,
	}
}

// RunTx executes fn against a private copy of the record and commits it if
// nobody else committed in the meantime.
func (m *Memory) RunTx(ctx context.Context, userID ledger.UserID, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	rec, exists := m.records[userID]
	m.mu.RUnlock()

	tx := &memTx{
		parent:  m,
		userID:  userID,
		working: rec.Clone(),
		exists:  exists,
		version: rec.Version,
		keys:    make(map[string]bool),
	}

	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}

	if m.BeforeCommit != nil {
		m.BeforeCommit(userID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, curExists := m.records[userID]
	if curExists != exists || cur.Version != tx.version {
		return ledger.ErrConcurrentModification
	}
	for k := range tx.keys {
		if _, seen := m.processed[userID][k]; seen {
			return ledger.ErrConcurrentModification
		}
	}

	// Commit
	next := tx.working
	next.UserID = userID
	next.Version = tx.version + 1
	next.UpdatedAt = m.now().UTC()
	m.records[userID] = next

	if len(tx.keys) > 0 {
		if m.processed[userID] == nil {
			m.processed[userID] = make(map[string]time.Time)
		}
		for k := range tx.keys {
			m.processed[userID][k] = next.UpdatedAt
		}
	}
	return nil
}

func (m *Memory) Load(_ context.Context, userID ledger.UserID) (ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[userID]
	if !ok {
		return ledger.Record{}, fmt.Errorf("user %s: %w", userID, ledger.ErrRecordNotFound)
	}
	return rec.Clone(), nil
}

func (m *Memory) Top(_ context.Context, n int) ([]ledger.Standing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]ledger.Standing, 0, len(m.records))
	for id, rec := range m.records {
		rows = append(rows, ledger.Standing{UserID: id, Name: rec.Profile.Label(), Points: rec.Points})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Points != rows[j].Points {
			return rows[i].Points > rows[j].Points
		}
		return rows[i].UserID < rows[j].UserID
	})
	if n >= 0 && len(rows) > n {
		rows = rows[:n]
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

func (m *Memory) UserIDs(_ context.Context) ([]ledger.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]ledger.UserID, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[ledger.UserID]ledger.Record)
	m.processed = make(map[ledger.UserID]map[string]time.Time)
	return nil
}

// Put writes rec as-is, bypassing the ledger rules. Seeding only.
func (m *Memory) Put(rec ledger.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec = rec.Clone()
	if cur, ok := m.records[rec.UserID]; ok {
		rec.Version = cur.Version + 1
	} else if rec.Version == 0 {
		rec.Version = 1
	}
	rec.UpdatedAt = m.now().UTC()
	m.records[rec.UserID] = rec
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memTx struct {
	parent  *Memory
	userID  ledger.UserID
	working ledger.Record
	exists  bool
	version int64
	keys    map[string]bool
	dirty   bool
}

func (t *memTx) Get(_ context.Context) (ledger.Record, bool, error) {
	if !t.exists {
		return ledger.Record{}, false, nil
	}
	return t.working.Clone(), true, nil
}

func (t *memTx) Create(_ context.Context, rec ledger.Record) error {
	if t.exists {
		return fmt.Errorf("record %s already exists", t.userID)
	}
	t.working = rec.Clone()
	if t.working.Badges == nil {
		t.working.Badges = []string{}
	}
	if t.working.Coupons == nil {
		t.working.Coupons = []rewards.Coupon{}
	}
	t.exists = true
	t.dirty = true
	return nil
}

func (t *memTx) SetPoints(_ context.Context, points int) error {
	if err := t.requireRecord(); err != nil {
		return err
	}
	if points < 0 {
		return fmt.Errorf("points for %s cannot be negative: %d", t.userID, points)
	}
	t.working.Points = points
	t.dirty = true
	return nil
}

func (t *memTx) SetBadges(_ context.Context, badges []string) error {
	if err := t.requireRecord(); err != nil {
		return err
	}
	t.working.Badges = append([]string{}, badges...)
	t.dirty = true
	return nil
}

func (t *memTx) SetProfile(_ context.Context, p rewards.Profile) error {
	if err := t.requireRecord(); err != nil {
		return err
	}
	t.working.Profile = p
	t.dirty = true
	return nil
}

func (t *memTx) AppendCoupon(_ context.Context, c rewards.Coupon, lastMilestone int) error {
	if err := t.requireRecord(); err != nil {
		return err
	}
	for _, existing := range t.working.Coupons {
		if existing.MilestoneIndex == c.MilestoneIndex {
			return fmt.Errorf("coupon for milestone %d already issued to %s", c.MilestoneIndex, t.userID)
		}
	}
	t.working.Coupons = append(t.working.Coupons, c)
	t.working.LastCouponMilestone = lastMilestone
	t.dirty = true
	return nil
}

func (t *memTx) MarkProcessed(_ context.Context, key string) (bool, error) {
	if t.keys[key] {
		return false, nil
	}

	t.parent.mu.RLock()
	_, seen := t.parent.processed[t.userID][key]
	t.parent.mu.RUnlock()
	if seen {
		return false, nil
	}

	t.keys[key] = true
	t.dirty = true
	return true, nil
}

func (t *memTx) requireRecord() error {
	if !t.exists {
		return fmt.Errorf("user %s: %w", t.userID, ledger.ErrRecordNotFound)
	}
	return nil
}
