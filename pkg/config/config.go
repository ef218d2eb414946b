package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the version of the service, set at build time.
var Version string

// Environment names accepted in the configuration.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

type (
	// Config is the top-level service configuration.
	Config struct {
		Environment string         `yaml:"Environment"`
		HTTP        HTTPConfig     `yaml:"HTTP"`
		Database    DatabaseConfig `yaml:"Database"`
		Discord     DiscordConfig  `yaml:"Discord"`
		Chain       ChainConfig    `yaml:"Chain"`
		Prices      PricesConfig   `yaml:"Prices"`
		Verify      VerifyConfig   `yaml:"Verify"`
		Admin       AdminConfig    `yaml:"Admin"`
		Worker      WorkerConfig   `yaml:"Worker"`
		Logging     LoggingConfig  `yaml:"Logging"`
		Prometheus  BasicService   `yaml:"Prometheus"`
		Pprof       BasicService   `yaml:"Pprof"`
	}

	// HTTPConfig configures the public HTTP surface.
	HTTPConfig struct {
		Port uint16 `yaml:"Port"`
	}

	// DatabaseConfig configures the relational store.
	DatabaseConfig struct {
		DSN string `yaml:"DSN"`
	}

	// DiscordConfig configures the chat-platform client.
	DiscordConfig struct {
		BotToken      string `yaml:"BotToken"`
		ApplicationID string `yaml:"ApplicationID"`
		ClientID      string `yaml:"ClientID"`
		ClientSecret  string `yaml:"ClientSecret"`
		// GuildAllowList limits slash-command registration to the given
		// guilds. Empty means global registration.
		GuildAllowList []string `yaml:"GuildAllowList"`
		OAuthScopes    string   `yaml:"OAuthScopes"`
	}

	// ChainConfig configures chain RPC and the asset indexer.
	ChainConfig struct {
		RPCURL     string `yaml:"RPCURL"`
		IndexerURL string `yaml:"IndexerURL"`
	}

	// PricesConfig configures the USD price provider.
	PricesConfig struct {
		BaseURL    string `yaml:"BaseURL"`
		TTLSeconds int    `yaml:"TTLSeconds"`
	}

	// VerifyConfig configures the wallet-verification protocol.
	VerifyConfig struct {
		// PublicBaseURL is the externally reachable base of the signing
		// page, used to build deep links in verification replies.
		PublicBaseURL  string `yaml:"PublicBaseURL"`
		HMACSecret     string `yaml:"HMACSecret"`
		InternalSecret string `yaml:"InternalSecret"`
	}

	// AdminConfig configures the operator UI surface.
	AdminConfig struct {
		BaseURL         string `yaml:"BaseURL"`
		SessionSecret   string `yaml:"SessionSecret"`
		SessionTTLHours int    `yaml:"SessionTTLHours"`
	}

	// WorkerConfig configures the reconciliation worker.
	WorkerConfig struct {
		Concurrency        int    `yaml:"Concurrency"`
		CronSpec           string `yaml:"CronSpec"`
		AuditRetentionDays int    `yaml:"AuditRetentionDays"`
	}

	// LoggingConfig configures zap.
	LoggingConfig struct {
		Level    string `yaml:"Level"`
		Encoding string `yaml:"Encoding"`
	}
)

// Default values applied by Load.
const (
	DefaultOAuthScopes     = "identify guilds"
	DefaultPricesBaseURL   = "https://api.coingecko.com/api/v3"
	DefaultPriceTTLSeconds = 60
	DefaultSessionTTLHours = 12
	DefaultConcurrency     = 20
	DefaultCronSpec        = "0 */12 * * *"
	DefaultRetentionDays   = 90
)

// Load reads, expands and validates the configuration at path.
// ${VAR} references inside the file are expanded from the environment,
// so secrets do not have to live in the file itself.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}

	cfg := Config{
		Environment: EnvDevelopment,
		Prices: PricesConfig{
			BaseURL:    DefaultPricesBaseURL,
			TTLSeconds: DefaultPriceTTLSeconds,
		},
		Admin: AdminConfig{
			SessionTTLHours: DefaultSessionTTLHours,
		},
		Worker: WorkerConfig{
			Concurrency:        DefaultConcurrency,
			CronSpec:           DefaultCronSpec,
			AuditRetentionDays: DefaultRetentionDays,
		},
		Discord: DiscordConfig{
			OAuthScopes: DefaultOAuthScopes,
		},
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and secret strength.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return fmt.Errorf("invalid Environment %q", c.Environment)
	}
	if c.HTTP.Port == 0 {
		return fmt.Errorf("HTTP.Port is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("Database.DSN is required")
	}
	if c.Discord.BotToken == "" {
		return fmt.Errorf("Discord.BotToken is required")
	}
	if c.Discord.ApplicationID == "" {
		return fmt.Errorf("Discord.ApplicationID is required")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("Chain.RPCURL is required")
	}
	if c.Chain.IndexerURL == "" {
		return fmt.Errorf("Chain.IndexerURL is required")
	}
	if c.Verify.PublicBaseURL == "" {
		return fmt.Errorf("Verify.PublicBaseURL is required")
	}
	if len(c.Verify.HMACSecret) < 32 {
		return fmt.Errorf("Verify.HMACSecret must be at least 32 characters")
	}
	if len(c.Verify.InternalSecret) < 16 {
		return fmt.Errorf("Verify.InternalSecret must be at least 16 characters")
	}
	if c.Admin.BaseURL != "" && len(c.Admin.SessionSecret) < 32 {
		return fmt.Errorf("Admin.SessionSecret must be at least 32 characters")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("Worker.Concurrency must be positive")
	}
	if c.Worker.AuditRetentionDays <= 0 {
		return fmt.Errorf("Worker.AuditRetentionDays must be positive")
	}
	return nil
}

// TTL returns the quote freshness window as a duration.
func (p PricesConfig) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// SessionTTL returns the admin session lifetime as a duration.
func (a AdminConfig) SessionTTL() time.Duration {
	return time.Duration(a.SessionTTLHours) * time.Hour
}

// AuditRetention returns the audit retention window as a duration.
func (w WorkerConfig) AuditRetention() time.Duration {
	return time.Duration(w.AuditRetentionDays) * 24 * time.Hour
}

// Production reports whether the service runs in production mode. It
// controls the Secure flag on session cookies and debug logging only.
func (c Config) Production() bool {
	return c.Environment == EnvProduction
}
