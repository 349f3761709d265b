/*
scheduler.go - Periodic badge audit

PURPOSE:
  Sweeps every reward record and rewrites badge lists that disagree with
  the points total. The rewards page heals the record it renders; the
  audit heals records nobody is looking at.

DESIGN:
  - gocron job on a fixed interval, first run at start
  - Singleton mode: a slow sweep delays the next one instead of overlapping
  - Each record is healed in its own transaction via Engine.HealBadges

CONFIGURATION:
  - Interval: How often to sweep (SCHEDULER_AUDIT_INTERVAL, default 1h)
  - Enabled:  Whether the job is registered (SCHEDULER_ENABLED)

USAGE:
  audit := NewBadgeAuditScheduler(store, engine)
  audit.Start()
  // ... later
  audit.Stop()

SEE ALSO:
  - handlers.go: TriggerAudit endpoint (manual sweep)
  - ledger/engine.go: HealBadges
*/
package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/civicsense/reward-ledger/ledger"
)

// AuditResult summarizes one sweep.
type AuditResult struct {
	Checked int `json:"checked"`
	Healed  int `json:"healed"`
	Failed  int `json:"failed"`
}

// BadgeAuditScheduler heals badge lists on a schedule.
type BadgeAuditScheduler struct {
	Store    ledger.Store
	Engine   *ledger.Engine
	Interval time.Duration
	Enabled  bool

	mu     sync.Mutex
	sched  gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBadgeAuditScheduler creates an enabled hourly audit.
func NewBadgeAuditScheduler(store ledger.Store, engine *ledger.Engine) *BadgeAuditScheduler {
	return &BadgeAuditScheduler{
		Store:    store,
		Engine:   engine,
		Interval: time.Hour,
		Enabled:  true,
	}
}

// Start registers the job and starts the scheduler.
func (a *BadgeAuditScheduler) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return nil
	}
	if a.sched != nil {
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	_, err = sched.NewJob(
		gocron.DurationJob(a.Interval),
		gocron.NewTask(func() {
			a.RunNow(a.ctx)
		}),
		gocron.WithName("badge-audit"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		a.cancel()
		sched.Shutdown()
		return fmt.Errorf("failed to schedule badge audit: %w", err)
	}

	sched.Start()
	a.sched = sched
	log.Printf("[Scheduler] Started badge audit every %v", a.Interval)
	return nil
}

// Stop cancels a running sweep and shuts the scheduler down.
func (a *BadgeAuditScheduler) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sched == nil {
		return
	}
	a.cancel()
	if err := a.sched.Shutdown(); err != nil {
		log.Printf("[Scheduler] Shutdown error: %v", err)
	}
	a.sched = nil
	log.Println("[Scheduler] Stopped")
}

// RunNow sweeps every record once.
func (a *BadgeAuditScheduler) RunNow(ctx context.Context) AuditResult {
	var res AuditResult

	ids, err := a.Store.UserIDs(ctx)
	if err != nil {
		log.Printf("[Scheduler] Error listing users: %v", err)
		return res
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res.Checked++

		healed, err := a.Engine.HealBadges(ctx, id)
		switch {
		case err != nil && !ledger.IsNotFound(err):
			res.Failed++
			log.Printf("[Scheduler] Error auditing %s: %v", id, err)
		case healed:
			res.Healed++
		}
	}

	if res.Healed > 0 || res.Failed > 0 {
		log.Printf("[Scheduler] Audit completed: %d checked, %d healed, %d failed", res.Checked, res.Healed, res.Failed)
	}
	return res
}
