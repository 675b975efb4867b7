// Package syncman drains the durable local queue into the remote store. It
// runs a periodic cycle, wakes early when connectivity returns and can be
// triggered manually. Each record is attempted in isolation: one failure
// never blocks the rest of the backlog.
package syncman

import (
	"context"
	"sync"
	"time"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/config"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/events"
)

// Spool is the queue surface the manager drains. *queue.Queue satisfies it.
type Spool interface {
	ListPending(ctx context.Context, maxRetries int) ([]domain.QueuedOrder, error)
	MarkSyncing(ctx context.Context, clientID string) error
	MarkSynced(ctx context.Context, clientID string) error
	MarkFailed(ctx context.Context, clientID, errorMessage string) error
}

// Submitter writes one order to the remote store idempotently.
type Submitter interface {
	SubmitOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) (int64, error)
}

// Report summarizes one sync cycle.
type Report struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

// Manager owns the drain loop.
type Manager struct {
	spool  Spool
	remote Submitter
	cfg    config.SyncConfig
	lg     *logger.Logger
	ev     *events.Emitter

	wake chan struct{}
	busy sync.Mutex // one cycle at a time
}

// New creates a manager. Call Run to start the background loop, or
// SyncPending directly for a one-shot drain.
func New(spool Spool, remote Submitter, cfg config.SyncConfig, lg *logger.Logger, ev *events.Emitter) *Manager {
	return &Manager{
		spool:  spool,
		remote: remote,
		cfg:    cfg,
		lg:     lg,
		ev:     ev,
		wake:   make(chan struct{}, 1),
	}
}

// Wake schedules an immediate cycle. Safe to call from any goroutine;
// coalesces while a cycle is pending.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drains on the configured interval and on every wake until ctx is
// cancelled. The online event wakes it so a restored connection drains the
// backlog right away.
func (m *Manager) Run(ctx context.Context) {
	off := m.ev.On(events.Online, func(any) { m.Wake() })
	defer off()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
		if _, err := m.SyncPending(ctx); err != nil && ctx.Err() == nil {
			m.lg.Error("sync_cycle_failed", err, nil)
		}
	}
}

// SyncPending runs one drain cycle over every eligible record. A record
// that fails is marked and left for the next cycle; a record that hits the
// retry cap drops out of eligibility but stays stored for inspection.
func (m *Manager) SyncPending(ctx context.Context) (Report, error) {
	if !m.busy.TryLock() {
		return Report{}, nil // a cycle is already running
	}
	defer m.busy.Unlock()

	pending, err := m.spool.ListPending(ctx, m.cfg.MaxRetries)
	if err != nil {
		return Report{}, err
	}
	if len(pending) == 0 {
		return Report{}, nil
	}

	m.lg.Info("sync_started", map[string]any{"pending": len(pending)})
	m.ev.Emit(events.SyncStarted, len(pending))

	report := Report{Attempted: len(pending)}
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		if m.syncOne(ctx, rec) {
			report.Synced++
		} else {
			report.Failed++
		}
	}

	m.lg.Info("sync_completed", map[string]any{
		"attempted": report.Attempted, "synced": report.Synced, "failed": report.Failed,
	})
	m.ev.Emit(events.SyncCompleted, report)
	return report, nil
}

func (m *Manager) syncOne(ctx context.Context, rec domain.QueuedOrder) bool {
	clientID := rec.Order.ClientID
	if err := m.spool.MarkSyncing(ctx, clientID); err != nil {
		m.lg.Warn("mark_syncing_failed", err, map[string]any{"client_id": clientID})
		return false
	}

	_, err := m.remote.SubmitOrder(ctx, rec.Order, rec.Items)
	if err != nil {
		if markErr := m.spool.MarkFailed(ctx, clientID, err.Error()); markErr != nil {
			m.lg.Error("mark_failed_failed", markErr, map[string]any{"client_id": clientID})
		}
		level := m.lg.Warn
		if rec.RetryCount+1 >= m.cfg.MaxRetries {
			// The record just hit the cap; surface it loudly.
			level = m.lg.Error
		}
		level("order_sync_failed", err, map[string]any{
			"client_id": clientID, "retry_count": rec.RetryCount + 1,
		})
		return false
	}

	if err := m.spool.MarkSynced(ctx, clientID); err != nil {
		// The remote write landed; the local record will be retried and
		// deduplicated by client_id on the next cycle.
		m.lg.Warn("mark_synced_failed", err, map[string]any{"client_id": clientID})
		return false
	}
	m.lg.Info("order_synced", map[string]any{"client_id": clientID})
	return true
}
