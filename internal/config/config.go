package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Payment   PaymentConfig   `yaml:"payment"`
	Pool      PoolConfig      `yaml:"pool"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Budget    BudgetConfig    `yaml:"budget"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Billing   BillingConfig   `yaml:"billing"`

	// Secrets are never read from YAML; LoadSecrets pulls them from the
	// environment once at startup.
	Secrets Secrets `yaml:"-"`
}

type ServerConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
}

type StoreConfig struct {
	Addr        string `yaml:"addr"`
	DB          int    `yaml:"db"`
	OpTimeoutMs int    `yaml:"op_timeout_ms"`
	KeyPrefix   string `yaml:"key_prefix"`
}

type AuthConfig struct {
	JWKSURL           string   `yaml:"jwks_url"`
	Issuers           []string `yaml:"issuers"`
	StaleThresholdMin int      `yaml:"stale_threshold_min"`
	MaxStalenessHours int      `yaml:"max_staleness_hours"`
	CompromisedMode   bool     `yaml:"compromised_mode"`
	ClockSkewSec      int      `yaml:"clock_skew_sec"`
}

type TierLimit struct {
	MaxRequests int   `yaml:"max_requests"`
	WindowMs    int64 `yaml:"window_ms"`
}

type RateLimitTiers struct {
	FreePerIP      TierLimit `yaml:"free_per_ip"`
	X402PerWallet  TierLimit `yaml:"x402_per_wallet"`
	ChallengePerIP TierLimit `yaml:"challenge_per_ip"`
	APIKeyDefault  TierLimit `yaml:"api_key_default"`
}

type RateLimitConfig struct {
	Tiers RateLimitTiers `yaml:"tiers"`
}

type PaymentConfig struct {
	ChainID              int64  `yaml:"chain_id"`
	Recipient            string `yaml:"recipient"`
	Token                string `yaml:"token"`
	ChallengeAmountMicro int64  `yaml:"challenge_amount_micro"`
	ChallengeTTLSec      int    `yaml:"challenge_ttl_sec"`
	VerifierURL          string `yaml:"verifier_url"`
}

type PoolConfig struct {
	InteractiveWorkers int      `yaml:"interactive_workers"`
	QueueDepth         int      `yaml:"queue_depth"`
	HardTimeoutMs      int64    `yaml:"hard_timeout_ms"`
	ShutdownDeadlineMs int64    `yaml:"shutdown_deadline_ms"`
	WorkerCommand      []string `yaml:"worker_command"`
}

type SandboxConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JailRoot  string `yaml:"jail_root"`
	AuditPath string `yaml:"audit_path"`
}

type BudgetTenant struct {
	ID         string `yaml:"id"`
	LimitMicro int64  `yaml:"limit_micro"`
}

type BudgetConfig struct {
	PollIntervalMs        int64          `yaml:"poll_interval_ms"`
	DriftThresholdMicro   int64          `yaml:"drift_threshold_micro"`
	FailOpenHeadroomPct   int64          `yaml:"fail_open_headroom_pct"`
	FailOpenAbsCapMicro   int64          `yaml:"fail_open_abs_cap_micro"`
	FailOpenMaxDurationMs int64          `yaml:"fail_open_max_duration_ms"`
	Tenants               []BudgetTenant `yaml:"tenants"`
}

type UpstreamConfig struct {
	BaseURL          string `yaml:"base_url"`
	KeyID            string `yaml:"key_id"`
	TimeoutMs        int64  `yaml:"timeout_ms"`
	RetryBaseMs      int64  `yaml:"retry_base_ms"`
	RetryMaxAttempts int    `yaml:"retry_max_attempts"`
}

type BillingConfig struct {
	ChatCostMicro int64  `yaml:"chat_cost_micro"`
	LedgerPath    string `yaml:"ledger_path"`
}

// Secrets hold the env-only material. The pepper and the HMAC secrets are
// read exactly once; nothing re-reads the environment after startup.
type Secrets struct {
	APIKeyPepper       string
	ChallengeSecret    string
	S2SSecret          string
	S2SSecretSecondary string
	DatabaseURL        string
}

// LoadConfig reads the YAML file at path, fills unset fields with defaults,
// and pulls secrets from the environment. An empty path yields pure defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.applyDefaults()
	}

	cfg.LoadSecrets()

	if port := os.Getenv("FINN_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("FINN_PORT: %w", err)
		}
		cfg.Server.Port = p
	}

	return cfg, nil
}

// Default returns a config with every field at its documented default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 30
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 30
	}
	if c.Store.Addr == "" {
		c.Store.Addr = "localhost:6379"
	}
	if c.Store.OpTimeoutMs == 0 {
		c.Store.OpTimeoutMs = 200
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "finn:"
	}
	if c.Auth.StaleThresholdMin == 0 {
		c.Auth.StaleThresholdMin = 15
	}
	if c.Auth.MaxStalenessHours == 0 {
		c.Auth.MaxStalenessHours = 24
	}
	if c.Auth.CompromisedMode {
		c.Auth.MaxStalenessHours = 1
	}
	if c.Auth.ClockSkewSec == 0 {
		c.Auth.ClockSkewSec = 30
	}
	applyTierDefault(&c.RateLimit.Tiers.FreePerIP, 60, 60000)
	applyTierDefault(&c.RateLimit.Tiers.X402PerWallet, 30, 60000)
	applyTierDefault(&c.RateLimit.Tiers.ChallengePerIP, 120, 60000)
	applyTierDefault(&c.RateLimit.Tiers.APIKeyDefault, 60, 60000)
	if c.Payment.ChallengeAmountMicro == 0 {
		c.Payment.ChallengeAmountMicro = 100000
	}
	if c.Payment.ChallengeTTLSec == 0 {
		c.Payment.ChallengeTTLSec = 300
	}
	if c.Payment.Token == "" {
		c.Payment.Token = "USDC"
	}
	if c.Pool.InteractiveWorkers == 0 {
		c.Pool.InteractiveWorkers = 2
	}
	if c.Pool.QueueDepth == 0 {
		c.Pool.QueueDepth = 10
	}
	if c.Pool.HardTimeoutMs == 0 {
		c.Pool.HardTimeoutMs = 10000
	}
	if c.Pool.ShutdownDeadlineMs == 0 {
		c.Pool.ShutdownDeadlineMs = 5000
	}
	if len(c.Pool.WorkerCommand) == 0 {
		c.Pool.WorkerCommand = []string{"agent-worker"}
	}
	if c.Budget.PollIntervalMs == 0 {
		c.Budget.PollIntervalMs = 1000
	}
	if c.Budget.DriftThresholdMicro == 0 {
		c.Budget.DriftThresholdMicro = 500000
	}
	if c.Budget.FailOpenHeadroomPct == 0 {
		c.Budget.FailOpenHeadroomPct = 10
	}
	if c.Budget.FailOpenAbsCapMicro == 0 {
		c.Budget.FailOpenAbsCapMicro = 5000000
	}
	if c.Budget.FailOpenMaxDurationMs == 0 {
		c.Budget.FailOpenMaxDurationMs = 300000
	}
	if c.Upstream.TimeoutMs == 0 {
		c.Upstream.TimeoutMs = 3000
	}
	if c.Upstream.RetryBaseMs == 0 {
		c.Upstream.RetryBaseMs = 250
	}
	if c.Upstream.RetryMaxAttempts == 0 {
		c.Upstream.RetryMaxAttempts = 3
	}
	if c.Billing.ChatCostMicro == 0 {
		c.Billing.ChatCostMicro = 100000
	}
}

func applyTierDefault(t *TierLimit, maxRequests int, windowMs int64) {
	if t.MaxRequests == 0 {
		t.MaxRequests = maxRequests
	}
	if t.WindowMs == 0 {
		t.WindowMs = windowMs
	}
}

// LoadSecrets reads the env-only secret material into c.Secrets.
func (c *Config) LoadSecrets() {
	c.Secrets = Secrets{
		APIKeyPepper:       os.Getenv("FINN_API_KEY_PEPPER"),
		ChallengeSecret:    os.Getenv("FINN_CHALLENGE_SECRET"),
		S2SSecret:          os.Getenv("FINN_S2S_SECRET"),
		S2SSecretSecondary: os.Getenv("FINN_S2S_SECRET_SECONDARY"),
		DatabaseURL:        os.Getenv("FINN_DATABASE_URL"),
	}
}

// Validate rejects configurations that cannot serve paid traffic.
func (c *Config) Validate() error {
	if c.Secrets.APIKeyPepper == "" {
		return fmt.Errorf("FINN_API_KEY_PEPPER is required")
	}
	if c.Secrets.ChallengeSecret == "" {
		return fmt.Errorf("FINN_CHALLENGE_SECRET is required")
	}
	if c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required")
	}
	if len(c.Auth.Issuers) == 0 {
		return fmt.Errorf("auth.issuers must name at least one issuer")
	}
	return nil
}
