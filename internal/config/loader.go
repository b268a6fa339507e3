package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Config file is optional; defaults and environment cover local runs
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		// Lists from the file replace the defaults instead of merging index by index
		if v.IsSet("resolver.candidates") {
			cfg.Resolver.Candidates = nil
		}
		if v.IsSet("server.cors_origins") {
			cfg.Server.CORSOrigins = nil
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if driver := os.Getenv("LEDGER_DRIVER"); driver != "" {
		cfg.Ledgers.Driver = strings.ToLower(driver)
	}
	if endpoint := os.Getenv("ORIGIN_ENDPOINT"); endpoint != "" {
		cfg.Ledgers.Origin.Endpoint = endpoint
	}
	if endpoint := os.Getenv("DESTINATION_ENDPOINT"); endpoint != "" {
		cfg.Ledgers.Destination.Endpoint = endpoint
	}

	if secret := os.Getenv("SIGNER_SECRET_URI"); secret != "" {
		cfg.Signer.SecretURI = secret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}
}

// Redacted returns a copy of the config with the signer secret masked.
// Well-known dev derivations are left readable.
func (c *Config) Redacted() *Config {
	out := *c
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	out.Resolver.Candidates = append([]string(nil), c.Resolver.Candidates...)
	if !strings.HasPrefix(c.Signer.SecretURI, "//") && c.Signer.SecretURI != "" {
		out.Signer.SecretURI = "<redacted>"
	}
	return &out
}

// Dump renders the redacted effective configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
