package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds every runtime setting. Values come from the environment,
// optionally seeded from a .env file.
type Config struct {
	Port      string `env:"GLOW_PORT" envDefault:"8080"`
	BaseURL   string `env:"GLOW_BASE_URL"`
	DSN       string `env:"GLOW_DATABASE_URL" envDefault:"glowcore.db"`
	LogLevel  string `env:"GLOW_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"GLOW_LOG_FORMAT" envDefault:"text"`

	// Bearer token required on /api routes. Empty leaves the API open, for
	// deployments behind an authenticating proxy.
	AdminToken string `env:"GLOW_ADMIN_TOKEN"`
	// Origins allowed to open the status stream, e.g. "admin.example.com".
	WSOrigins []string `env:"GLOW_WS_ORIGINS" envSeparator:","`
	// Lifetime of the signed tickets browsers use to open the status stream.
	WSTicketTTL time.Duration `env:"GLOW_WS_TICKET_TTL" envDefault:"1m"`

	// Device registrations allowed per client IP per window.
	RegisterRateLimit  int           `env:"GLOW_REGISTER_RATE_LIMIT" envDefault:"30"`
	RegisterRateWindow time.Duration `env:"GLOW_REGISTER_RATE_WINDOW" envDefault:"1m"`
	// Redis shares rate limit windows across replicas, e.g.
	// "redis://localhost:6379/0". Empty keeps them in memory.
	RedisURL string `env:"GLOW_REDIS_URL"`

	// Passphrase used to seal API key secrets at rest. Empty stores them as-is.
	SecretPassphrase string `env:"GLOW_SECRET_PASSPHRASE"`
	SecretSalt       string `env:"GLOW_SECRET_SALT" envDefault:"glowcore-api-keys"`

	Pool     PoolConfig
	Fanout   FanoutConfig
	Push     PushConfig
	AI       AIConfig
	Alert    AlertConfig
	Schedule ScheduleConfig
	Backup   BackupConfig
}

type PoolConfig struct {
	CooldownBase     time.Duration `env:"GLOW_POOL_COOLDOWN_BASE" envDefault:"30s"`
	CooldownMax      time.Duration `env:"GLOW_POOL_COOLDOWN_MAX" envDefault:"1h"`
	JitterPercent    uint64        `env:"GLOW_POOL_COOLDOWN_JITTER" envDefault:"10"`
	LeaseTTL         time.Duration `env:"GLOW_POOL_LEASE_TTL" envDefault:"2m"`
	DeactivateAfter  int           `env:"GLOW_POOL_DEACTIVATE_AFTER" envDefault:"3"`
	MaxClaimAttempts int           `env:"GLOW_POOL_MAX_CLAIM_ATTEMPTS" envDefault:"5"`
}

type FanoutConfig struct {
	MaxBatchSize int           `env:"GLOW_FANOUT_BATCH_SIZE" envDefault:"500"`
	Concurrency  int           `env:"GLOW_FANOUT_CONCURRENCY" envDefault:"10"`
	MaxRetries   int           `env:"GLOW_FANOUT_MAX_RETRIES" envDefault:"3"`
	RetryBase    time.Duration `env:"GLOW_FANOUT_RETRY_BASE" envDefault:"200ms"`
	CallTimeout  time.Duration `env:"GLOW_FANOUT_CALL_TIMEOUT" envDefault:"10s"`
	SendLease    time.Duration `env:"GLOW_FANOUT_SEND_LEASE" envDefault:"15m"`
	SendDeadline time.Duration `env:"GLOW_FANOUT_SEND_DEADLINE" envDefault:"5m"`
}

type PushConfig struct {
	VAPIDPublicKey  string `env:"GLOW_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"GLOW_VAPID_PRIVATE_KEY"`
	VAPIDSubscriber string `env:"GLOW_VAPID_SUBSCRIBER" envDefault:"mailto:noreply@glowcore.app"`

	// Firebase service account file. Empty uses application default credentials
	// when FCMEnabled is set.
	FCMCredentialsFile string `env:"GLOW_FCM_CREDENTIALS_FILE"`
	FCMEnabled         bool   `env:"GLOW_FCM_ENABLED" envDefault:"false"`
}

type AIConfig struct {
	Model       string `env:"GLOW_AI_MODEL" envDefault:"gemini-1.5-flash"`
	MaxAttempts int    `env:"GLOW_AI_MAX_KEY_ATTEMPTS" envDefault:"3"`
}

type AlertConfig struct {
	PostmarkServerToken  string `env:"GLOW_POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"GLOW_POSTMARK_ACCOUNT_TOKEN"`
	From                 string `env:"GLOW_ALERT_FROM"`
	To                   string `env:"GLOW_ALERT_TO"`
}

type ScheduleConfig struct {
	Interval      time.Duration `env:"GLOW_SCHEDULER_INTERVAL" envDefault:"60s"`
	PruneInterval time.Duration `env:"GLOW_PRUNE_INTERVAL" envDefault:"6h"`
}

// BackupConfig points at S3-compatible storage for database snapshots.
// Snapshots are sealed with GLOW_SECRET_PASSPHRASE.
type BackupConfig struct {
	S3Endpoint  string        `env:"GLOW_BACKUP_S3_ENDPOINT"`
	S3Bucket    string        `env:"GLOW_BACKUP_S3_BUCKET"`
	S3Region    string        `env:"GLOW_BACKUP_S3_REGION" envDefault:"auto"`
	S3AccessKey string        `env:"GLOW_BACKUP_S3_ACCESS_KEY"`
	S3SecretKey string        `env:"GLOW_BACKUP_S3_SECRET_KEY"`
	Prefix      string        `env:"GLOW_BACKUP_PREFIX" envDefault:"backups/"`
	Interval    time.Duration `env:"GLOW_BACKUP_INTERVAL" envDefault:"24h"`
	Retention   time.Duration `env:"GLOW_BACKUP_RETENTION" envDefault:"720h"`
}

// Load reads an optional .env file and parses the environment into a Config.
func Load() (*Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Fanout.MaxBatchSize <= 0:
		return fmt.Errorf("%w: fanout batch size must be positive", ErrInvalidConfig)
	case c.Fanout.Concurrency <= 0:
		return fmt.Errorf("%w: fanout concurrency must be positive", ErrInvalidConfig)
	case c.Fanout.MaxRetries < 0:
		return fmt.Errorf("%w: fanout retries must not be negative", ErrInvalidConfig)
	case c.Pool.DeactivateAfter <= 0:
		return fmt.Errorf("%w: deactivate threshold must be positive", ErrInvalidConfig)
	case c.Pool.CooldownMax < c.Pool.CooldownBase:
		return fmt.Errorf("%w: cooldown max below base", ErrInvalidConfig)
	}
	return nil
}

// AlertsConfigured reports whether operator alert emails can be sent.
func (c *Config) AlertsConfigured() bool {
	return c.Alert.PostmarkServerToken != "" && c.Alert.From != "" && c.Alert.To != ""
}

// WebPushConfigured reports whether VAPID keys are present.
func (c *Config) WebPushConfigured() bool {
	return c.Push.VAPIDPublicKey != "" && c.Push.VAPIDPrivateKey != ""
}

// BackupConfigured reports whether snapshots can be uploaded.
func (c *Config) BackupConfigured() bool {
	return c.Backup.S3Bucket != "" && c.Backup.S3AccessKey != "" && c.Backup.S3SecretKey != "" &&
		c.SecretPassphrase != ""
}
