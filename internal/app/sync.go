package app

import (
	"context"
	"fmt"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/config"
	"restaurant-sync/internal/connections/database"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/events"
	"restaurant-sync/internal/queue"
	"restaurant-sync/internal/remote"
	"restaurant-sync/internal/syncman"
)

// RunSync performs one drain cycle of the local queue and exits. Meant for
// operators and cron: the hub and device modes run the same cycle
// continuously.
func RunSync(ctx context.Context, cfg *config.Config) error {
	lg := logger.New("sync-manager")

	q, err := queue.Open(cfg.Device.QueuePath)
	if err != nil {
		return fmt.Errorf("open local queue: %w", err)
	}
	defer q.Close()

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect remote store: %w", err)
	}
	defer db.Close()
	submitter := remote.NewSubmitter(remote.NewClient(db), nil, lg)

	sm := syncman.New(q, submitter, cfg.Sync, lg, events.New())
	report, err := sm.SyncPending(ctx)
	if err != nil {
		return err
	}
	lg.Info("sync_finished", map[string]any{
		"attempted": report.Attempted, "synced": report.Synced, "failed": report.Failed,
	})

	exhausted, err := q.ListExhausted(ctx, cfg.Sync.MaxRetries)
	if err != nil {
		return err
	}
	for _, rec := range exhausted {
		msg := ""
		if rec.ErrorMessage != nil {
			msg = *rec.ErrorMessage
		}
		lg.Warn("order_needs_attention", nil, map[string]any{
			"client_id": rec.Order.ClientID, "retry_count": rec.RetryCount, "last_error": msg,
		})
	}
	if len(exhausted) > 0 {
		return fmt.Errorf("%d orders need manual intervention: %w", len(exhausted), domain.ErrRetriesExhausted)
	}
	return nil
}
