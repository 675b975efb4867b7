package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime parameter of the sync core. One YAML file
// configures all modes; each mode reads the sections it needs.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Hub      HubConfig      `yaml:"hub"`
	Device   DeviceConfig   `yaml:"device"`
	Sync     SyncConfig     `yaml:"sync"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// DatabaseConfig points at the remote Postgres order store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the database config as a pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// RabbitMQConfig points at the signaling/notification broker.
type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
}

// HubConfig controls the hub coordinator.
type HubConfig struct {
	HubID        string        `yaml:"hub_id"`
	RestaurantID string        `yaml:"restaurant_id"`
	ListenAddr   string        `yaml:"listen_addr"` // tcp transport only
	Transport    string        `yaml:"transport"`   // "webrtc" | "tcp"
	OfferTTL     time.Duration `yaml:"offer_ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	StaleTimeout time.Duration `yaml:"stale_timeout"`
	STUNServers  []string      `yaml:"stun_servers"`
}

// DeviceConfig controls the peer client on a staff device.
type DeviceConfig struct {
	DeviceName     string        `yaml:"device_name"`
	DeviceRole     string        `yaml:"device_role"`
	RestaurantID   string        `yaml:"restaurant_id"`
	Transport      string        `yaml:"transport"`
	HubCandidates  []string      `yaml:"hub_candidates"` // well-known addresses to probe
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	QueuePath      string        `yaml:"queue_path"`
	STUNServers    []string      `yaml:"stun_servers"`
}

// SyncConfig controls the background queue drain.
type SyncConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"`
	ProbeAddr  string        `yaml:"probe_addr"` // reachability probe target; defaults to the database host
}

// HTTPConfig controls the local status endpoint.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Load reads and validates a YAML config file, filling defaults for every
// tunable interval.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = 5672
	}
	if c.RabbitMQ.VHost == "" {
		c.RabbitMQ.VHost = "/"
	}
	if c.Hub.Transport == "" {
		c.Hub.Transport = "webrtc"
	}
	if c.Hub.OfferTTL == 0 {
		c.Hub.OfferTTL = 5 * time.Minute
	}
	if c.Hub.ReapInterval == 0 {
		c.Hub.ReapInterval = 30 * time.Second
	}
	if c.Hub.StaleTimeout == 0 {
		c.Hub.StaleTimeout = 60 * time.Second
	}
	if c.Device.Transport == "" {
		c.Device.Transport = c.Hub.Transport
	}
	if c.Device.DeviceRole == "" {
		c.Device.DeviceRole = "staff"
	}
	if c.Device.ProbeTimeout == 0 {
		c.Device.ProbeTimeout = 2 * time.Second
	}
	if c.Device.PingInterval == 0 {
		c.Device.PingInterval = 20 * time.Second
	}
	if c.Device.ReconnectDelay == 0 {
		c.Device.ReconnectDelay = 5 * time.Second
	}
	if c.Device.QueuePath == "" {
		c.Device.QueuePath = "offline-queue.db"
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.ProbeAddr == "" && c.Database.Host != "" {
		c.Sync.ProbeAddr = fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port)
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 3080
	}
}

func (c *Config) validate() error {
	if c.Hub.Transport != "webrtc" && c.Hub.Transport != "tcp" {
		return fmt.Errorf("invalid hub.transport %q: want webrtc or tcp", c.Hub.Transport)
	}
	if c.Device.Transport != "webrtc" && c.Device.Transport != "tcp" {
		return fmt.Errorf("invalid device.transport %q: want webrtc or tcp", c.Device.Transport)
	}
	return nil
}
