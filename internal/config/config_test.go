package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ws://127.0.0.1:9988", cfg.Ledgers.Origin.Endpoint)
	assert.Equal(t, "ws://127.0.0.1:9999", cfg.Ledgers.Destination.Endpoint)
	assert.Equal(t, "//Alice", cfg.Signer.SecretURI)
	assert.Equal(t, 3*time.Second, cfg.Reconcile.GraceInterval)
	assert.Zero(t, cfg.Reconcile.GiveUpAfter, "destination polling is opt-in")
	assert.Equal(t, "TemplatePallet", cfg.Resolver.Candidates[0])
	assert.Equal(t, "StudentCount", cfg.Resolver.CountAccessor)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
ledgers:
  driver: memory
  origin:
    endpoint: ws://origin:9944
reconcile:
  grace_interval: 500ms
  give_up_after: 0s
resolver:
  candidates: [registryV2]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Ledgers.Driver)
	assert.Equal(t, "ws://origin:9944", cfg.Ledgers.Origin.Endpoint)
	assert.Equal(t, "ws://127.0.0.1:9999", cfg.Ledgers.Destination.Endpoint)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconcile.GraceInterval)
	assert.Equal(t, time.Duration(0), cfg.Reconcile.GiveUpAfter)
	assert.Equal(t, []string{"registryV2"}, cfg.Resolver.Candidates)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
	assert.Zero(t, cfg.Reconcile.GiveUpAfter)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ORIGIN_ENDPOINT", "ws://10.0.0.1:9988")
	t.Setenv("DESTINATION_ENDPOINT", "ws://10.0.0.2:9999")
	t.Setenv("LEDGER_DRIVER", "MEMORY")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SERVER_PORT", "8181")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "ws://10.0.0.1:9988", cfg.Ledgers.Origin.Endpoint)
	assert.Equal(t, "ws://10.0.0.2:9999", cfg.Ledgers.Destination.Endpoint)
	assert.Equal(t, DriverMemory, cfg.Ledgers.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8181, cfg.Server.Port)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown driver", func(c *Config) { c.Ledgers.Driver = "grpc" }, "ledgers.driver"},
		{"same endpoints", func(c *Config) { c.Ledgers.Destination.Endpoint = c.Ledgers.Origin.Endpoint }, "different endpoints"},
		{"no candidates", func(c *Config) { c.Resolver.Candidates = nil }, "resolver.candidates"},
		{"zero queue", func(c *Config) { c.Commands.QueueSize = 0 }, "commands.queue_size"},
		{"poll max below initial", func(c *Config) { c.Reconcile.PollMaxInterval = time.Millisecond }, "poll_max_interval"},
		{"poll multiplier", func(c *Config) { c.Reconcile.PollMultiplier = 0.5 }, "poll_multiplier"},
		{"age bounds", func(c *Config) { c.Validation.MinAge = 50; c.Validation.MaxAge = 20 }, "min_age"},
		{"bad signer", func(c *Config) { c.Signer.SecretURI = "not a mnemonic" }, "signer.secret_uri"},
		{"short seed", func(c *Config) { c.Signer.SecretURI = "0xabcd" }, "32 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSignerConfig_Validate(t *testing.T) {
	valid := []string{
		"//Alice",
		"//Bob//stash",
		"0xe5be9a5092b81bca64be81d212e7f2f9eba183bb7a90954f7b76361f6edb5c0a",
		testMnemonic,
		testMnemonic + "//hard/soft",
	}
	for _, uri := range valid {
		assert.NoError(t, SignerConfig{SecretURI: uri}.Validate(), uri)
	}

	assert.Error(t, SignerConfig{}.Validate())
	assert.Error(t, SignerConfig{SecretURI: "legal winner thank year"}.Validate())
}

func TestValidate_DefaultsLogging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging = LoggingConfig{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestDump_RedactsSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signer.SecretURI = testMnemonic

	data, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "legal winner")
	assert.Equal(t, testMnemonic, cfg.Signer.SecretURI)

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "reconcile")
}

func TestDump_KeepsDevURI(t *testing.T) {
	data, err := DefaultConfig().Dump()
	require.NoError(t, err)
	assert.Contains(t, string(data), "//Alice")
	assert.Contains(t, string(data), "grace_interval: 3s")
}
