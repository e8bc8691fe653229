// Package maintenance runs periodic housekeeping against a Postbox on a
// cron schedule: reclaiming temporary accounts abandoned by a prior
// process, and a hook for operators to wire additional invariant checks.
// Every sweep runs through the ordinary Postbox.Transaction entry point,
// so it is subject to the same worker serialization and commit pipeline
// as any caller transaction.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"

	"postbox/pkg/logger"
	"postbox/pkg/postbox"
)

// Scheduler runs a cron-scheduled sweep against one Postbox until
// stopped.
type Scheduler struct {
	pb   *postbox.Postbox
	cron string

	mu      sync.Mutex
	running bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Scheduler for pb that fires on cron (already validated
// by config.Validate at config-load time).
func New(pb *postbox.Postbox, cron string) *Scheduler {
	return &Scheduler{pb: pb, cron: cron}
}

// Start launches the schedule loop in the background. Calling Start
// twice on the same Scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	logger.Info("maintenance_scheduler_started", "cron", s.cron)
	go s.scheduleLoop(runCtx)
}

// Stop cancels the schedule loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) scheduleLoop(ctx context.Context) {
	defer close(s.done)
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now(), false)
		if err != nil {
			logger.Error("maintenance_nexttick_failed", "cron", s.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
			s.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	reclaimed, err := ReclaimTemporaryAccounts(ctx, s.pb)
	if err != nil {
		logger.Error("maintenance_reclaim_error", "error", err)
	} else if reclaimed > 0 {
		logger.Info("maintenance_reclaimed_temporary_accounts",
			"count", reclaimed, "count_human", humanize.Comma(int64(reclaimed)))
	}
	if err := RunOrphanedViewGC(ctx, s.pb); err != nil {
		logger.Error("maintenance_orphaned_view_gc_error", "error", err)
	}
}

// ReclaimTemporaryAccounts deletes every account record tagged with a
// temporarySessionId other than pb's own. A prior process that crashed
// before it could reclaim its own temporary account leaves exactly this
// kind of orphan behind; a later process's sweep cleans it up.
func ReclaimTemporaryAccounts(ctx context.Context, pb *postbox.Postbox) (int, error) {
	currentSession := pb.TemporarySessionID()
	return postbox.Transaction(ctx, pb, func(m *postbox.Modifier) (int, error) {
		records, err := m.ListRecords()
		if err != nil {
			return 0, fmt.Errorf("maintenance: list records: %w", err)
		}
		reclaimed := 0
		for _, rec := range records {
			sessionID, isTemp := postbox.IsTemporaryAccountRecord(rec.Value)
			if !isTemp || sessionID == currentSession {
				continue
			}
			if err := m.DeleteRecord(int64(rec.ID)); err != nil {
				return reclaimed, fmt.Errorf("maintenance: delete record %d: %w", rec.ID, err)
			}
			reclaimed++
		}
		return reclaimed, nil
	})
}

// RunOrphanedViewGC is a hook invoked once per tick so operators can wire
// additional invariant checks (e.g. dropping subscriptions whose
// consumer has gone away) without touching the transaction driver. The
// core engine does not itself track subscriber liveness, so this is a
// no-op placeholder rather than a required behavior.
func RunOrphanedViewGC(ctx context.Context, pb *postbox.Postbox) error {
	return nil
}
