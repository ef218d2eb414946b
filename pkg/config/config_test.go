package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
Environment: test
HTTP:
  Port: 8080
Database:
  DSN: postgres://rolegate@localhost:5432/rolegate
Discord:
  BotToken: bot-token
  ApplicationID: "123456789"
Chain:
  RPCURL: https://rpc.example.org
  IndexerURL: https://das.example.org
Verify:
  PublicBaseURL: https://verify.example.org
  HMACSecret: 0123456789abcdef0123456789abcdef
  InternalSecret: 0123456789abcdef
`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rolegate.yml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	require.Equal(t, DefaultPricesBaseURL, cfg.Prices.BaseURL)
	require.Equal(t, DefaultPriceTTLSeconds, cfg.Prices.TTLSeconds)
	require.Equal(t, DefaultConcurrency, cfg.Worker.Concurrency)
	require.Equal(t, DefaultCronSpec, cfg.Worker.CronSpec)
	require.Equal(t, DefaultRetentionDays, cfg.Worker.AuditRetentionDays)
	require.Equal(t, DefaultOAuthScopes, cfg.Discord.OAuthScopes)
	require.False(t, cfg.Production())
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("ROLEGATE_TEST_TOKEN", "expanded-token")
	yml := validYAML + "\nAdmin:\n  BaseURL: https://admin.example.org\n  SessionSecret: ${ROLEGATE_TEST_TOKEN}${ROLEGATE_TEST_TOKEN}${ROLEGATE_TEST_TOKEN}\n"
	cfg, err := Load(writeConfig(t, yml))
	require.NoError(t, err)
	require.Equal(t, "expanded-tokenexpanded-tokenexpanded-token", cfg.Admin.SessionSecret)
}

func TestValidateRejects(t *testing.T) {
	base := func() Config {
		cfg, err := Load(writeConfig(t, validYAML))
		require.NoError(t, err)
		return cfg
	}

	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad environment", func(c *Config) { c.Environment = "staging" }},
		{"missing port", func(c *Config) { c.HTTP.Port = 0 }},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }},
		{"missing bot token", func(c *Config) { c.Discord.BotToken = "" }},
		{"short hmac secret", func(c *Config) { c.Verify.HMACSecret = "short" }},
		{"short internal secret", func(c *Config) { c.Verify.InternalSecret = "short" }},
		{"admin with weak secret", func(c *Config) {
			c.Admin.BaseURL = "https://admin.example.org"
			c.Admin.SessionSecret = "weak"
		}},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
