package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"restaurant-sync/internal/domain"
)

const (
	settingDeviceID    = "device_id"
	settingLastHubAddr = "last_hub_addr"
)

// DeviceIdentity loads the locally persisted device id, creating one on
// first run. The id stays stable across restarts; name, role and restaurant
// come from config and are returned as given.
func (q *Queue) DeviceIdentity(ctx context.Context, name, role, restaurantID string) (domain.Device, error) {
	id, err := q.getSetting(ctx, settingDeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		id = uuid.NewString()
		if err := q.putSetting(ctx, settingDeviceID, id); err != nil {
			return domain.Device{}, err
		}
	} else if err != nil {
		return domain.Device{}, err
	}
	return domain.Device{
		DeviceID:     id,
		DeviceName:   name,
		DeviceRole:   role,
		RestaurantID: restaurantID,
	}, nil
}

// LastHubAddr returns the cached address of the last hub that accepted a
// connection, or "" when none is remembered.
func (q *Queue) LastHubAddr(ctx context.Context) (string, error) {
	addr, err := q.getSetting(ctx, settingLastHubAddr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return addr, err
}

// RememberHubAddr caches the address of a hub that just accepted a
// connection so the next discovery tries it first.
func (q *Queue) RememberHubAddr(ctx context.Context, addr string) error {
	return q.putSetting(ctx, settingLastHubAddr, addr)
}

func (q *Queue) getSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM local_settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

func (q *Queue) putSetting(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO local_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}
