package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db
  user: pos
  password: secret
  database: orders
hub:
  hub_id: hub-1
  restaurant_id: rest-1
device:
  device_name: terminal
  restaurant_id: rest-1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "webrtc", cfg.Hub.Transport)
	assert.Equal(t, 5*time.Minute, cfg.Hub.OfferTTL)
	assert.Equal(t, 30*time.Second, cfg.Hub.ReapInterval)
	assert.Equal(t, 60*time.Second, cfg.Hub.StaleTimeout)
	assert.Equal(t, 2*time.Second, cfg.Device.ProbeTimeout)
	assert.Equal(t, 5*time.Second, cfg.Device.ReconnectDelay)
	assert.Equal(t, "staff", cfg.Device.DeviceRole)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, "db:5432", cfg.Sync.ProbeAddr, "probe target defaults to the database")
	assert.Equal(t, 3080, cfg.HTTP.Port)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
hub:
  hub_id: hub-1
  restaurant_id: rest-1
  transport: tcp
  offer_ttl: 1m
  stale_timeout: 90s
device:
  transport: tcp
  hub_candidates: ["10.0.0.5:7420", "10.0.0.6:7420"]
sync:
  max_retries: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.Hub.Transport)
	assert.Equal(t, time.Minute, cfg.Hub.OfferTTL)
	assert.Equal(t, 90*time.Second, cfg.Hub.StaleTimeout)
	assert.Equal(t, []string{"10.0.0.5:7420", "10.0.0.6:7420"}, cfg.Device.HubCandidates)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
}

func TestDeviceTransportFollowsHub(t *testing.T) {
	path := writeConfig(t, `
hub:
  transport: tcp
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Device.Transport)
}

func TestInvalidTransportRejected(t *testing.T) {
	path := writeConfig(t, `
hub:
  transport: carrier-pigeon
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid hub.transport")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
