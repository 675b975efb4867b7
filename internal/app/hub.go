// Package app wires the sync core's components into runnable modes: hub
// coordinator, device client and one-shot sync. Each mode degrades
// gracefully when a backend is unreachable; only the local queue is a hard
// requirement.
package app

import (
	"context"
	"errors"
	"fmt"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/config"
	"restaurant-sync/internal/connections/database"
	"restaurant-sync/internal/connections/rabbitmq"
	"restaurant-sync/internal/connectivity"
	"restaurant-sync/internal/events"
	"restaurant-sync/internal/hub"
	"restaurant-sync/internal/queue"
	"restaurant-sync/internal/remote"
	"restaurant-sync/internal/router"
	"restaurant-sync/internal/signaling"
	"restaurant-sync/internal/syncman"
	"restaurant-sync/internal/transport"
)

// RunHub starts the hub coordinator mode and blocks until ctx is cancelled.
func RunHub(ctx context.Context, cfg *config.Config) error {
	lg := logger.New("hub-coordinator")
	ev := events.New()

	q, err := queue.Open(cfg.Device.QueuePath)
	if err != nil {
		return fmt.Errorf("open local queue: %w", err)
	}
	defer q.Close()

	// The backend connections are optional at startup: a hub must keep the
	// restaurant running while the outside world is down.
	var (
		store     *remote.Client
		submitter *remote.Submitter
	)
	if cfg.Database.Host != "" {
		db, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			lg.Warn("database_unavailable", err, nil)
		} else {
			defer db.Close()
			store = remote.NewClient(db)
		}
	}

	var sig signaling.Channel
	var notifier remote.Notifier
	if cfg.RabbitMQ.Host != "" {
		mq, err := rabbitmq.Dial(cfg.RabbitMQ)
		if err != nil {
			lg.Warn("rabbitmq_unavailable", err, nil)
		} else {
			defer mq.Close()
			if err := mq.DeclareAll(); err != nil {
				return fmt.Errorf("declare exchanges: %w", err)
			}
			sig = signaling.NewAMQPChannel(mq, lg)
			notifier = remote.NewAMQPNotifier(mq)
		}
	}
	if store != nil {
		submitter = remote.NewSubmitter(store, notifier, lg)
	}

	var monitor *connectivity.Monitor
	var online router.Online
	if cfg.Sync.ProbeAddr != "" {
		monitor = connectivity.New(cfg.Sync.ProbeAddr, cfg.Sync.Interval, cfg.Device.ProbeTimeout, lg, ev)
		online = monitor.Online
		go monitor.Run(ctx)
	}

	var remoteLeg router.RemoteSubmitter
	if submitter != nil {
		remoteLeg = submitter
	}
	rt := router.New(nil, remoteLeg, q, online, lg)

	var sm *syncman.Manager
	if submitter != nil {
		sm = syncman.New(q, submitter, cfg.Sync, lg, ev)
		go sm.Run(ctx)
	}

	var backlog hub.Backlog
	if store != nil {
		backlog = store
	}
	coordinator := hub.New(cfg.Hub, hub.Deps{
		Logger:  lg,
		Events:  ev,
		Signal:  sig,
		Persist: rt,
		Backlog: backlog,
	})

	if cfg.Hub.Transport == "tcp" {
		listener, err := transport.ListenTCP(cfg.Hub.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Hub.ListenAddr, err)
		}
		lg.Info("hub_listening", map[string]any{"addr": listener.Address()})
		go func() {
			<-ctx.Done()
			_ = listener.Close()
		}()
		go func() {
			for {
				conn, err := listener.Accept()
				if err != nil {
					return
				}
				coordinator.AddConn(conn)
			}
		}()
	}

	go func() {
		err := runStatusServer(ctx, cfg.HTTP.Port, statusDeps{
			role:       "hub",
			lg:         lg,
			queue:      q,
			maxRetries: cfg.Sync.MaxRetries,
			monitor:    monitor,
			sync:       sm,
			router:     rt,
			hub:        coordinator,
		})
		if err != nil {
			lg.Error("status_server_failed", err, nil)
		}
	}()

	if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
