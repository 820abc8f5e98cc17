package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/engine"
	"github.com/mesmerverse/bunker/relay"
)

// Config holds the daemon configuration
type Config struct {
	// DevMode relaxes process hardening and allows unsigned control commands
	DevMode  bool   `yaml:"dev_mode"`
	LogLevel string `yaml:"log_level"`

	Store    StoreConfig    `yaml:"store"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Relays   RelayConfig    `yaml:"relays"`
	Engine   EngineConfig   `yaml:"engine"`
	NATS     NATSConfig     `yaml:"nats"`
	Control  ControlConfig  `yaml:"control"`
	Health   HealthConfig   `yaml:"health"`
	Backup   BackupConfig   `yaml:"backup"`
}

// StoreConfig locates the connection database
type StoreConfig struct {
	Path string `yaml:"path"`
	// SaltPath holds the random salt the database key is derived with
	SaltPath string `yaml:"salt_path"`
}

// KeystoreConfig locates the sealed identity keys
type KeystoreConfig struct {
	Path string `yaml:"path"`
	// KMSKeyID seals keys with AWS KMS instead of the passphrase
	KMSKeyID string `yaml:"kms_key_id"`
	Region   string `yaml:"region"`
	// SigningWorkers bounds concurrent signatures
	SigningWorkers int64 `yaml:"signing_workers"`
}

// SecretsConfig says where the passphrase comes from
type SecretsConfig struct {
	PassphraseEnv string `yaml:"passphrase_env"`
	SSMParameter  string `yaml:"ssm_parameter"`
	Region        string `yaml:"region"`
}

// RelayConfig holds relay transport settings
type RelayConfig struct {
	Defaults        []string      `yaml:"defaults"`
	PublishAttempts int           `yaml:"publish_attempts"`
	OKTimeout       time.Duration `yaml:"ok_timeout"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	BackoffInitial  time.Duration `yaml:"backoff_initial"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
}

// EngineConfig tunes request processing
type EngineConfig struct {
	DefaultTrust  string        `yaml:"default_trust"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
	QueueDepth    int           `yaml:"queue_depth"`
	Lookback      time.Duration `yaml:"lookback"`
	// Retention is how long finished requests are kept for redelivery
	Retention time.Duration `yaml:"retention"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	// URL empty disables approvals, wakes, control and the wallet backend
	URL             string        `yaml:"url"`
	CredentialsFile string        `yaml:"credentials_file"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	PresenceTimeout time.Duration `yaml:"presence_timeout"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxReconnects   int           `yaml:"max_reconnects"`
}

// ControlConfig verifies operator commands
type ControlConfig struct {
	// PublicKey is the base64 Ed25519 key control commands are signed with
	PublicKey string        `yaml:"public_key"`
	MaxAge    time.Duration `yaml:"max_age"`
}

// HealthConfig holds health check settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// BackupConfig holds S3 backup settings. An empty bucket disables backups.
type BackupConfig struct {
	Bucket    string        `yaml:"bucket"`
	Region    string        `yaml:"region"`
	KeyPrefix string        `yaml:"key_prefix"`
	Interval  time.Duration `yaml:"interval"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	rc := relay.DefaultConfig()
	ec := engine.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Path:     "/var/lib/bunker/bunker.db",
			SaltPath: "/var/lib/bunker/store.salt",
		},
		Keystore: KeystoreConfig{
			Path:           "/var/lib/bunker/keys.cbor",
			Region:         "us-east-1",
			SigningWorkers: 4,
		},
		Secrets: SecretsConfig{
			PassphraseEnv: "BUNKER_PASSPHRASE",
			Region:        "us-east-1",
		},
		Relays: RelayConfig{
			PublishAttempts: rc.PublishAttempts,
			OKTimeout:       rc.OKTimeout,
			FetchTimeout:    rc.FetchTimeout,
			PingInterval:    rc.PingInterval,
			BackoffInitial:  rc.Backoff.Initial,
			BackoffMax:      rc.Backoff.Max,
		},
		Engine: EngineConfig{
			DefaultTrust:  string(ec.DefaultTrust),
			MaxConcurrent: ec.MaxConcurrent,
			QueueDepth:    ec.QueueDepth,
			Lookback:      ec.Lookback,
			Retention:     7 * 24 * time.Hour,
		},
		NATS: NATSConfig{
			SubjectPrefix:   "bunker",
			RequestTimeout:  30 * time.Second,
			PresenceTimeout: 2 * time.Minute,
			ReconnectWait:   2 * time.Second,
			MaxReconnects:   -1, // Unlimited
		},
		Control: ControlConfig{
			MaxAge: 5 * time.Minute,
		},
		Health: HealthConfig{
			Port: 8080,
		},
		Backup: BackupConfig{
			Region:    "us-east-1",
			KeyPrefix: "bunker/",
			Interval:  6 * time.Hour,
		},
	}
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	if c.Store.Path == "" || c.Keystore.Path == "" {
		return errors.New("store.path and keystore.path are required")
	}
	if _, err := bunker.ParseTrustLevel(c.Engine.DefaultTrust); err != nil {
		return fmt.Errorf("engine.default_trust: %w", err)
	}
	if c.Engine.MaxConcurrent < 1 || c.Engine.QueueDepth < 1 {
		return errors.New("engine.max_concurrent and engine.queue_depth must be positive")
	}
	if c.Relays.PublishAttempts < 1 {
		return errors.New("relays.publish_attempts must be positive")
	}
	if c.Control.PublicKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Control.PublicKey)
		if err != nil || len(key) < 32 {
			return errors.New("control.public_key must be a base64 Ed25519 key")
		}
	}
	if c.NATS.URL != "" && c.Control.PublicKey == "" && !c.DevMode {
		return errors.New("control.public_key is required when NATS is enabled outside dev mode")
	}
	if c.Engine.Retention < c.Engine.Lookback {
		return errors.New("engine.retention must cover engine.lookback")
	}
	if c.Backup.Bucket != "" && c.Backup.Interval <= 0 {
		return errors.New("backup.interval must be positive")
	}
	return nil
}

// RelayManagerConfig maps the relay section onto relay.Config
func (c *Config) RelayManagerConfig() relay.Config {
	rc := relay.DefaultConfig()
	rc.PublishAttempts = c.Relays.PublishAttempts
	if c.Relays.OKTimeout > 0 {
		rc.OKTimeout = c.Relays.OKTimeout
	}
	if c.Relays.FetchTimeout > 0 {
		rc.FetchTimeout = c.Relays.FetchTimeout
	}
	if c.Relays.PingInterval > 0 {
		rc.PingInterval = c.Relays.PingInterval
		rc.PongWait = c.Relays.PingInterval * 5 / 2
	}
	if c.Relays.BackoffInitial > 0 {
		rc.Backoff.Initial = c.Relays.BackoffInitial
	}
	if c.Relays.BackoffMax > 0 {
		rc.Backoff.Max = c.Relays.BackoffMax
	}
	return rc
}

// EngineOptions maps the engine section onto engine.Config
func (c *Config) EngineOptions() engine.Config {
	ec := engine.DefaultConfig()
	ec.DefaultRelays = c.Relays.Defaults
	if trust, err := bunker.ParseTrustLevel(c.Engine.DefaultTrust); err == nil {
		ec.DefaultTrust = trust
	}
	ec.MaxConcurrent = c.Engine.MaxConcurrent
	ec.QueueDepth = c.Engine.QueueDepth
	if c.Engine.Lookback > 0 {
		ec.Lookback = c.Engine.Lookback
	}
	return ec
}
