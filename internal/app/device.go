package app

import (
	"context"
	"fmt"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/config"
	"restaurant-sync/internal/connections/database"
	"restaurant-sync/internal/connections/rabbitmq"
	"restaurant-sync/internal/connectivity"
	"restaurant-sync/internal/events"
	"restaurant-sync/internal/peer"
	"restaurant-sync/internal/queue"
	"restaurant-sync/internal/remote"
	"restaurant-sync/internal/router"
	"restaurant-sync/internal/signaling"
	"restaurant-sync/internal/syncman"
)

// RunDevice starts the device client mode: connect to a hub when one is
// reachable, place orders through the priority router, drain the queue in
// the background. offerID is the pairing offer presented to a hub this
// device has never connected to; "" for an already-paired device.
func RunDevice(ctx context.Context, cfg *config.Config, offerID string) error {
	q, err := queue.Open(cfg.Device.QueuePath)
	if err != nil {
		return fmt.Errorf("open local queue: %w", err)
	}
	defer q.Close()

	device, err := q.DeviceIdentity(ctx, cfg.Device.DeviceName, cfg.Device.DeviceRole, cfg.Device.RestaurantID)
	if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}
	lg := logger.New("peer-client").WithDevice(device.DeviceID)
	ev := events.New()
	lg.Info("device_identity", map[string]any{
		"device_name": device.DeviceName, "role": device.DeviceRole,
	})

	var sig signaling.Channel
	if cfg.Device.Transport == "webrtc" {
		if cfg.RabbitMQ.Host == "" {
			return fmt.Errorf("webrtc transport requires rabbitmq signaling config")
		}
		mq, err := rabbitmq.Dial(cfg.RabbitMQ)
		if err != nil {
			return fmt.Errorf("connect signaling broker: %w", err)
		}
		defer mq.Close()
		if err := mq.DeclareAll(); err != nil {
			return fmt.Errorf("declare exchanges: %w", err)
		}
		sig = signaling.NewAMQPChannel(mq, lg)
	}

	// Direct database access is optional on devices; without it every
	// offline order rides the queue until a hub takes it.
	var submitter *remote.Submitter
	if cfg.Database.Host != "" {
		db, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			lg.Warn("database_unavailable", err, nil)
		} else {
			defer db.Close()
			submitter = remote.NewSubmitter(remote.NewClient(db), nil, lg)
		}
	}

	client := peer.New(cfg.Device, device, peer.Deps{
		Logger:    lg,
		Events:    ev,
		Signal:    sig,
		AddrCache: q,
	})
	if offerID != "" {
		client.SetPairingOffer(offerID)
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
	rt := router.New(client, remoteLeg, q, online, lg)

	var sm *syncman.Manager
	if submitter != nil {
		sm = syncman.New(q, submitter, cfg.Sync, lg, ev)
		go sm.Run(ctx)
	}

	go func() {
		err := runStatusServer(ctx, cfg.HTTP.Port, statusDeps{
			role:       "device",
			lg:         lg,
			queue:      q,
			maxRetries: cfg.Sync.MaxRetries,
			monitor:    monitor,
			sync:       sm,
			router:     rt,
			peer:       client,
		})
		if err != nil {
			lg.Error("status_server_failed", err, nil)
		}
	}()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	client.Disconnect()
	return nil
}
