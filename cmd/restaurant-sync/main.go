package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"restaurant-sync/internal/app"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/config"
)

func main() {
	mode := flag.String("mode", "", "hub | device | sync | notify")
	cfgPath := flag.String("config", "config.yml", "path to YAML config")
	offerID := flag.String("offer", "", "device: pairing offer id from the hub (first connection only)")
	flag.Parse()

	lg := logger.New("bootstrap")
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		lg.Error("config_load_failed", err, map[string]any{"path": *cfgPath})
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "hub":
		lg.Info("service_started", map[string]any{"service": "hub", "hub_id": cfg.Hub.HubID})
		if err := app.RunHub(ctx, cfg); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	case "device":
		lg.Info("service_started", map[string]any{"service": "device", "name": cfg.Device.DeviceName})
		if err := app.RunDevice(ctx, cfg, *offerID); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	case "sync":
		lg.Info("service_started", map[string]any{"service": "sync"})
		if err := app.RunSync(ctx, cfg); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	case "notify":
		lg.Info("service_started", map[string]any{"service": "notify"})
		if err := app.RunNotify(ctx, cfg); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "--mode is required: hub | device | sync | notify")
		os.Exit(2)
	}
}
