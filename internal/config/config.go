// Package config provides the configuration for the killfeed daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	kferrors "github.com/killfeed/killfeed/internal/errors"
)

// Mode selects logging format and local defaults.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// SourceKind selects the transport for a log source.
type SourceKind string

const (
	SourceSFTP  SourceKind = "sftp"
	SourceLocal SourceKind = "local"
)

// Config holds the configuration for all killfeed components.
type Config struct {
	// Mode is dev or prod
	Mode Mode `json:"mode" yaml:"mode" toml:"mode" env:"KILLFEED_MODE"`

	// DataDir is the base directory for the database, journal and local archive
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir" env:"KILLFEED_DATA_DIR"`

	// LogLevel is debug, info, warn or error
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level" env:"KILLFEED_LOG_LEVEL"`

	// Sources are the monitored game-server logs
	Sources []SourceConfig `json:"sources" yaml:"sources" toml:"sources"`

	// EnvSource lets a single source be configured entirely from the environment.
	EnvSource SourceConfig `json:"-" yaml:"-" toml:"-" envPrefix:"KILLFEED_SOURCE_"`

	Reader   ReaderConfig   `json:"reader" yaml:"reader" toml:"reader" envPrefix:"KILLFEED_READER_"`
	Dedup    DedupConfig    `json:"dedup" yaml:"dedup" toml:"dedup" envPrefix:"KILLFEED_DEDUP_"`
	Economy  EconomyConfig  `json:"economy" yaml:"economy" toml:"economy" envPrefix:"KILLFEED_ECONOMY_"`
	Gambling GamblingConfig `json:"gambling" yaml:"gambling" toml:"gambling" envPrefix:"KILLFEED_GAMBLING_"`
	Archive  ArchiveConfig  `json:"archive" yaml:"archive" toml:"archive" envPrefix:"KILLFEED_ARCHIVE_"`
	Render   RenderConfig   `json:"render" yaml:"render" toml:"render" envPrefix:"KILLFEED_RENDER_"`
	HTTP     HTTPConfig     `json:"http" yaml:"http" toml:"http" envPrefix:"KILLFEED_HTTP_"`
	GRPC     GRPCConfig     `json:"grpc" yaml:"grpc" toml:"grpc" envPrefix:"KILLFEED_GRPC_"`

	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" toml:"telemetry" envPrefix:"KILLFEED_OTEL_"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"KILLFEED_SHUTDOWN_TIMEOUT"`
}

// SourceConfig describes one monitored log.
type SourceConfig struct {
	ID       string     `json:"id" yaml:"id" toml:"id" env:"ID"`
	Kind     SourceKind `json:"kind" yaml:"kind" toml:"kind" env:"KIND"`
	Host     string     `json:"host" yaml:"host" toml:"host" env:"HOST"`
	Port     int        `json:"port" yaml:"port" toml:"port" env:"PORT"`
	Username string     `json:"username" yaml:"username" toml:"username" env:"USERNAME"`
	Password string     `json:"password" yaml:"password" toml:"password" env:"PASSWORD"`

	// Path is the remote log file, or a glob whose newest match is followed.
	Path string `json:"path" yaml:"path" toml:"path" env:"PATH"`

	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval" env:"POLL_INTERVAL"`
	PollTimeout  time.Duration `json:"poll_timeout" yaml:"poll_timeout" toml:"poll_timeout" env:"POLL_TIMEOUT"`
}

// ReaderConfig holds the retry policy shared by all source readers.
type ReaderConfig struct {
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" toml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" toml:"max_backoff" env:"MAX_BACKOFF"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier" toml:"multiplier" env:"MULTIPLIER"`
	Jitter         float64       `json:"jitter" yaml:"jitter" toml:"jitter" env:"JITTER"`
	MaxChunkBytes  int64         `json:"max_chunk_bytes" yaml:"max_chunk_bytes" toml:"max_chunk_bytes" env:"MAX_CHUNK_BYTES"`
}

// DedupConfig bounds the fingerprint set.
type DedupConfig struct {
	WindowSize int           `json:"window_size" yaml:"window_size" toml:"window_size" env:"WINDOW_SIZE"`
	Retention  time.Duration `json:"retention" yaml:"retention" toml:"retention" env:"RETENTION"`
}

// EconomyConfig holds currency tunables.
type EconomyConfig struct {
	StartingBalance     int64         `json:"starting_balance" yaml:"starting_balance" toml:"starting_balance" env:"STARTING_BALANCE"`
	KillReward          int64         `json:"kill_reward" yaml:"kill_reward" toml:"kill_reward" env:"KILL_REWARD"`
	MaxBounty           int64         `json:"max_bounty" yaml:"max_bounty" toml:"max_bounty" env:"MAX_BOUNTY"`
	BountyTTL           time.Duration `json:"bounty_ttl" yaml:"bounty_ttl" toml:"bounty_ttl" env:"BOUNTY_TTL"`
	ExpiryCheckInterval time.Duration `json:"expiry_check_interval" yaml:"expiry_check_interval" toml:"expiry_check_interval" env:"EXPIRY_CHECK_INTERVAL"`
	WorkCooldown        time.Duration `json:"work_cooldown" yaml:"work_cooldown" toml:"work_cooldown" env:"WORK_COOLDOWN"`
	WorkMin             int64         `json:"work_min" yaml:"work_min" toml:"work_min" env:"WORK_MIN"`
	WorkMax             int64         `json:"work_max" yaml:"work_max" toml:"work_max" env:"WORK_MAX"`
}

// GamblingConfig holds per-game bet ceilings.
type GamblingConfig struct {
	MaxSlotsBet     int64 `json:"max_slots_bet" yaml:"max_slots_bet" toml:"max_slots_bet" env:"MAX_SLOTS_BET"`
	MaxRouletteBet  int64 `json:"max_roulette_bet" yaml:"max_roulette_bet" toml:"max_roulette_bet" env:"MAX_ROULETTE_BET"`
	MaxBlackjackBet int64 `json:"max_blackjack_bet" yaml:"max_blackjack_bet" toml:"max_blackjack_bet" env:"MAX_BLACKJACK_BET"`
}

// ArchiveConfig configures raw chunk archival.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Type    string `json:"type" yaml:"type" toml:"type" env:"TYPE"`
	Path    string `json:"path" yaml:"path" toml:"path" env:"PATH"`
	// Retention is how long chunks are kept; zero keeps them forever
	Retention time.Duration `json:"retention" yaml:"retention" toml:"retention" env:"RETENTION"`

	S3 S3Config `json:"s3" yaml:"s3" toml:"s3" envPrefix:"S3_"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket   string `json:"bucket" yaml:"bucket" toml:"bucket" env:"BUCKET"`
	Region   string `json:"region" yaml:"region" toml:"region" env:"REGION"`
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
}

// RenderConfig configures the notification renderer.
type RenderConfig struct {
	// WebhookURL receives JSON payloads; empty logs payloads instead
	WebhookURL string        `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url" env:"WEBHOOK_URL"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" toml:"timeout" env:"TIMEOUT"`
	QueueSize  int           `json:"queue_size" yaml:"queue_size" toml:"queue_size" env:"QUEUE_SIZE"`
}

// HTTPConfig holds the status API configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr" toml:"addr" env:"ADDR"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// GRPCConfig holds the command service configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr" toml:"addr" env:"ADDR"`
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`

	// JWTSecret enables HS256 bearer-token auth on every call when set
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector URL; empty disables tracing
	Endpoint    string `json:"endpoint" yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	ServiceName string `json:"service_name" yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:     ModeDev,
		DataDir:  "./data/killfeed",
		LogLevel: "info",
		Reader: ReaderConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Minute,
			Multiplier:     2.0,
			Jitter:         0.5,
			MaxChunkBytes:  4 * 1024 * 1024,
		},
		Dedup: DedupConfig{
			WindowSize: 50000,
			Retention:  30 * 24 * time.Hour,
		},
		Economy: EconomyConfig{
			StartingBalance:     0,
			KillReward:          10,
			MaxBounty:           10000,
			BountyTTL:           72 * time.Hour,
			ExpiryCheckInterval: time.Minute,
			WorkCooldown:        time.Hour,
			WorkMin:             50,
			WorkMax:             250,
		},
		Gambling: GamblingConfig{
			MaxSlotsBet:     10000,
			MaxRouletteBet:  2000,
			MaxBlackjackBet: 5000,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Type:      "local",
			Retention: 30 * 24 * time.Hour,
		},
		Render: RenderConfig{
			Timeout:   5 * time.Second,
			QueueSize: 256,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "killfeed",
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Resolve fills derived paths and per-source defaults.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/killfeed"
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.EnvSource.ID != "" {
		c.Sources = append(c.Sources, c.EnvSource)
		c.EnvSource = SourceConfig{}
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Kind == "" {
			s.Kind = SourceSFTP
		}
		if s.Kind == SourceSFTP && s.Port == 0 {
			s.Port = 22
		}
		if s.PollInterval == 0 {
			s.PollInterval = 30 * time.Second
		}
		if s.PollTimeout == 0 {
			s.PollTimeout = 20 * time.Second
		}
	}
}

// DatabasePath returns the path to the SQLite state database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "killfeed.db")
}

// JournalDir returns the event journal directory.
func (c *Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}

// Validate validates the process-wide configuration. Per-source credential
// problems are reported by SourceConfig.Validate so a bad source halts alone.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDev, ModeProd:
	default:
		return fmt.Errorf("invalid mode: %s (must be dev or prod)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source id is required")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate source id: %s", s.ID)
		}
		seen[s.ID] = true
	}

	if c.Reader.InitialBackoff <= 0 || c.Reader.MaxBackoff < c.Reader.InitialBackoff {
		return fmt.Errorf("reader backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Reader.Multiplier < 1 {
		return fmt.Errorf("reader.multiplier must be >= 1, got %v", c.Reader.Multiplier)
	}
	if c.Reader.Jitter < 0 || c.Reader.Jitter > 1 {
		return fmt.Errorf("reader.jitter must be between 0 and 1, got %v", c.Reader.Jitter)
	}
	if c.Dedup.WindowSize <= 0 {
		return fmt.Errorf("dedup.window_size must be positive")
	}
	if c.Economy.MaxBounty <= 0 || c.Economy.BountyTTL <= 0 {
		return fmt.Errorf("economy.max_bounty and economy.bounty_ttl must be positive")
	}
	if c.Economy.WorkMin <= 0 || c.Economy.WorkMax < c.Economy.WorkMin {
		return fmt.Errorf("economy work range invalid: %d..%d", c.Economy.WorkMin, c.Economy.WorkMax)
	}
	if c.Archive.Enabled {
		if c.Archive.Type != "local" && c.Archive.Type != "s3" {
			return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
		}
		if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
		}
		if c.Archive.Retention < 0 {
			return fmt.Errorf("archive.retention must not be negative")
		}
	}

	return nil
}

// Validate checks the source's transport settings. The returned error is a
// fatal config error for this source only.
func (s SourceConfig) Validate() error {
	switch s.Kind {
	case SourceLocal:
		if s.Path == "" {
			return kferrors.NewConfigError(fmt.Sprintf("source %s: path is required", s.ID), nil)
		}
	case SourceSFTP:
		if s.Host == "" || s.Username == "" || s.Path == "" {
			return kferrors.NewConfigError(fmt.Sprintf("source %s: host, username and path are required", s.ID), nil)
		}
		if s.Password == "" {
			return kferrors.NewConfigError(fmt.Sprintf("source %s: password is required", s.ID), nil)
		}
	default:
		return kferrors.NewConfigError(fmt.Sprintf("source %s: unknown kind %q", s.ID, s.Kind), nil)
	}
	if s.PollInterval <= 0 || s.PollTimeout <= 0 {
		return kferrors.NewConfigError(fmt.Sprintf("source %s: poll_interval and poll_timeout must be positive", s.ID), nil)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML, JSON or TOML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.JournalDir()}
	if c.Archive.Enabled && c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
