package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyler-smith/go-bip39"
)

// Ledger drivers
const (
	DriverSubstrate = "substrate"
	DriverMemory    = "memory"
)

// Config represents the ledger coordinator configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Ledgers     LedgersConfig     `mapstructure:"ledgers" yaml:"ledgers"`
	Signer      SignerConfig      `mapstructure:"signer" yaml:"signer"`
	Resolver    ResolverConfig    `mapstructure:"resolver" yaml:"resolver"`
	Commands    CommandsConfig    `mapstructure:"commands" yaml:"commands"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile" yaml:"reconcile"`
	Validation  ValidationConfig  `mapstructure:"validation" yaml:"validation"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LedgersConfig describes both ledger endpoints and how to reach them
type LedgersConfig struct {
	Driver      string             `mapstructure:"driver" yaml:"driver"`
	DialTimeout time.Duration      `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	Origin      LedgerEndpoint     `mapstructure:"origin" yaml:"origin"`
	Destination LedgerEndpoint     `mapstructure:"destination" yaml:"destination"`
	Memory      MemoryLedgerConfig `mapstructure:"memory" yaml:"memory"`
}

// LedgerEndpoint is a single ledger's address and display label
type LedgerEndpoint struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Label    string `mapstructure:"label" yaml:"label"`
}

// MemoryLedgerConfig tunes the in-process ledger simulator
type MemoryLedgerConfig struct {
	InclusionDelay time.Duration `mapstructure:"inclusion_delay" yaml:"inclusion_delay"`
	FinalityDelay  time.Duration `mapstructure:"finality_delay" yaml:"finality_delay"`
	DeliveryDelay  time.Duration `mapstructure:"delivery_delay" yaml:"delivery_delay"`
}

// SignerConfig holds the signing identity used for every command
type SignerConfig struct {
	// SecretURI is a dev derivation (//Alice), a 0x-prefixed 32-byte seed,
	// or a BIP39 mnemonic optionally followed by a derivation path.
	SecretURI string `mapstructure:"secret_uri" yaml:"secret_uri"`
}

// ResolverConfig lists the registry interface names to try, in order
type ResolverConfig struct {
	Candidates    []string `mapstructure:"candidates" yaml:"candidates"`
	CountAccessor string   `mapstructure:"count_accessor" yaml:"count_accessor"`
}

// CommandsConfig controls the command submitter
type CommandsConfig struct {
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	FinalityTimeout time.Duration `mapstructure:"finality_timeout" yaml:"finality_timeout"`
}

// ReconcileConfig controls cross-ledger reconciliation after a graduation
type ReconcileConfig struct {
	GraceInterval       time.Duration `mapstructure:"grace_interval" yaml:"grace_interval"`
	PollInitialInterval time.Duration `mapstructure:"poll_initial_interval" yaml:"poll_initial_interval"`
	PollMaxInterval     time.Duration `mapstructure:"poll_max_interval" yaml:"poll_max_interval"`
	PollMultiplier      float64       `mapstructure:"poll_multiplier" yaml:"poll_multiplier"`
	// GiveUpAfter of zero, the default, means a single read after the grace
	// interval. Polling with the poll_* settings is opt-in.
	GiveUpAfter time.Duration `mapstructure:"give_up_after" yaml:"give_up_after"`
}

// ValidationConfig bounds form input accepted at the HTTP boundary
type ValidationConfig struct {
	MaxNameLen    int    `mapstructure:"max_name_len" yaml:"max_name_len"`
	MaxSurnameLen int    `mapstructure:"max_surname_len" yaml:"max_surname_len"`
	MinAge        uint32 `mapstructure:"min_age" yaml:"min_age"`
	MaxAge        uint32 `mapstructure:"max_age" yaml:"max_age"`
}

// RateLimiterConfig represents request rate limiting configuration
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}
	switch c.Ledgers.Driver {
	case DriverSubstrate, DriverMemory:
	default:
		return fmt.Errorf("ledgers.driver must be one of: %s, %s", DriverSubstrate, DriverMemory)
	}
	if c.Ledgers.Driver == DriverSubstrate {
		if c.Ledgers.Origin.Endpoint == "" {
			return errors.New("ledgers.origin.endpoint is required")
		}
		if c.Ledgers.Destination.Endpoint == "" {
			return errors.New("ledgers.destination.endpoint is required")
		}
		if c.Ledgers.Origin.Endpoint == c.Ledgers.Destination.Endpoint {
			return errors.New("ledgers.origin and ledgers.destination must be different endpoints")
		}
	}
	if c.Ledgers.DialTimeout <= 0 {
		return errors.New("ledgers.dial_timeout must be positive")
	}
	if err := c.Signer.Validate(); err != nil {
		return err
	}
	if len(c.Resolver.Candidates) == 0 {
		return errors.New("resolver.candidates must not be empty")
	}
	if c.Resolver.CountAccessor == "" {
		return errors.New("resolver.count_accessor is required")
	}
	if c.Commands.QueueSize <= 0 {
		return errors.New("commands.queue_size must be positive")
	}
	if c.Reconcile.GraceInterval < 0 {
		return errors.New("reconcile.grace_interval must not be negative")
	}
	if c.Reconcile.GiveUpAfter > 0 {
		if c.Reconcile.PollInitialInterval <= 0 {
			return errors.New("reconcile.poll_initial_interval must be positive when polling")
		}
		if c.Reconcile.PollMaxInterval < c.Reconcile.PollInitialInterval {
			return errors.New("reconcile.poll_max_interval must be >= poll_initial_interval")
		}
		if c.Reconcile.PollMultiplier < 1 {
			return errors.New("reconcile.poll_multiplier must be >= 1")
		}
	}
	if c.Validation.MaxAge != 0 && c.Validation.MinAge > c.Validation.MaxAge {
		return errors.New("validation.min_age must not exceed validation.max_age")
	}
	if c.RateLimiter.Enabled && (c.RateLimiter.RequestsPerSecond <= 0 || c.RateLimiter.BurstSize <= 0) {
		return errors.New("rate_limiter.requests_per_second and burst_size must be positive when enabled")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// Validate checks that the secret URI has a recognisable form
func (s SignerConfig) Validate() error {
	uri := strings.TrimSpace(s.SecretURI)
	switch {
	case uri == "":
		return errors.New("signer.secret_uri is required")
	case strings.HasPrefix(uri, "//"):
		return nil
	case strings.HasPrefix(uri, "0x"):
		seed, err := hex.DecodeString(strings.TrimPrefix(uri, "0x"))
		if err != nil {
			return fmt.Errorf("signer.secret_uri is not valid hex: %w", err)
		}
		if len(seed) != 32 {
			return fmt.Errorf("signer.secret_uri seed must be 32 bytes, got %d", len(seed))
		}
		return nil
	default:
		phrase := uri
		if idx := strings.Index(uri, "/"); idx >= 0 {
			phrase = uri[:idx]
		}
		if !bip39.IsMnemonicValid(strings.TrimSpace(phrase)) {
			return errors.New("signer.secret_uri is neither a dev URI, a hex seed, nor a valid BIP39 mnemonic")
		}
		return nil
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    90 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  60 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Ledgers: LedgersConfig{
			Driver:      DriverSubstrate,
			DialTimeout: 15 * time.Second,
			Origin: LedgerEndpoint{
				Endpoint: "ws://127.0.0.1:9988",
				Label:    "University Parachain (1000)",
			},
			Destination: LedgerEndpoint{
				Endpoint: "ws://127.0.0.1:9999",
				Label:    "Company Parachain (2000)",
			},
			Memory: MemoryLedgerConfig{
				InclusionDelay: 200 * time.Millisecond,
				FinalityDelay:  400 * time.Millisecond,
				DeliveryDelay:  2 * time.Second,
			},
		},
		Signer: SignerConfig{
			SecretURI: "//Alice",
		},
		Resolver: ResolverConfig{
			Candidates: []string{
				"TemplatePallet",
				"StudentRegistry",
				"PalletStudentRegistry",
				"Student",
				"Students",
				"StudentPallet",
			},
			CountAccessor: "StudentCount",
		},
		Commands: CommandsConfig{
			QueueSize:       32,
			FinalityTimeout: 2 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			GraceInterval:       3 * time.Second,
			PollInitialInterval: 1 * time.Second,
			PollMaxInterval:     10 * time.Second,
			PollMultiplier:      2,
			GiveUpAfter:         0,
		},
		Validation: ValidationConfig{
			MaxNameLen:    64,
			MaxSurnameLen: 64,
			MinAge:        18,
			MaxAge:        100,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			BurstSize:         100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
