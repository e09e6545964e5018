// pkg/config/config.go
package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

// Config holds all configuration for the application
type Config struct {
	Environment  string             `mapstructure:"environment"`
	Chain        ChainConfig        `mapstructure:"chain"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	Lock         LockConfig         `mapstructure:"lock"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	API          APIConfig          `mapstructure:"api"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Tokenization TokenizationConfig `mapstructure:"tokenization"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ChainConfig holds the settlement network connection and signing key.
type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	ChainID         int64         `mapstructure:"chain_id"`
	PrivateKey      string        `mapstructure:"private_key"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// BackendConfig holds the backend index REST client settings.
type BackendConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	AuthToken    string        `mapstructure:"auth_token"`
	RateLimitRPS float64       `mapstructure:"rate_limit_rps"`
	Burst        int           `mapstructure:"burst"`
}

// ReconcileConfig is the bounded retry policy for backend reconciliation.
type ReconcileConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

// LockConfig selects the processing lock registry implementation.
type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RedisConfig holds Redis-related configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds Kafka-related configuration
type KafkaConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Brokers       string `mapstructure:"brokers"`
	ConsumerGroup string `mapstructure:"consumer_group"`
	RequestTopic  string `mapstructure:"request_topic"`
	OutcomeTopic  string `mapstructure:"outcome_topic"`
}

// APIConfig holds API-related configuration
type APIConfig struct {
	Port               string   `mapstructure:"port"`
	Version            string   `mapstructure:"version"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	RateLimit          int      `mapstructure:"rate_limit"`
}

// AuthConfig holds authentication-related configuration
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// TokenizationConfig holds the defaults applied when a confirming party
// leaves the token economics unset.
type TokenizationConfig struct {
	DefaultInterestRateAPY string `mapstructure:"default_interest_rate_apy"`
	DefaultMaturityMonths  int    `mapstructure:"default_maturity_months"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig holds metrics exposure configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// ConfigFile is an optional YAML file. Flags override it.
	ConfigFile string
	// EnvFile is loaded with godotenv when it exists.
	EnvFile string
	// EnvPrefix namespaces environment overrides, e.g. INVOICECHAIN_CHAIN_RPC_URL.
	EnvPrefix string
	// Args are the command-line arguments, without the program name.
	Args []string
	// SkipValidation returns the loaded config without calling Validate.
	SkipValidation bool
}

// DefaultLoadOptions reads .env, the process environment and os.Args.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		EnvFile:   ".env",
		EnvPrefix: "INVOICECHAIN",
		Args:      os.Args[1:],
	}
}

// Load loads configuration with DefaultLoadOptions.
func Load() (*Config, error) {
	return LoadWithOptions(DefaultLoadOptions())
}

// LoadWithOptions loads configuration from defaults, an optional file, the
// environment and flags, in increasing order of precedence.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	fs := pflag.NewFlagSet("invoicechain", pflag.ContinueOnError)
	configFile := fs.String("config", opts.ConfigFile, "path to a YAML configuration file")
	envFile := fs.String("env-file", opts.EnvFile, "path to a .env file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(opts.Args); err != nil {
		return nil, errors.Configf("parse flags: %v", err)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Configf("load env file %s: %v", *envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Configf("read config file %s: %v", *configFile, err)
		}
	}

	if f := fs.Lookup("log-level"); f != nil && f.Changed {
		if err := v.BindPFlag("log.level", f); err != nil {
			return nil, errors.Configf("bind log-level flag: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Configf("decode config: %v", err)
	}

	if opts.SkipValidation {
		return &cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.contract_address", "")
	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.gas_limit", 0)
	v.SetDefault("chain.confirm_timeout", 180*time.Second)
	v.SetDefault("chain.poll_interval", 2*time.Second)

	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("backend.auth_token", "")
	v.SetDefault("backend.rate_limit_rps", 10)
	v.SetDefault("backend.burst", 5)

	v.SetDefault("reconcile.max_attempts", 3)
	v.SetDefault("reconcile.delay", 3*time.Second)
	v.SetDefault("reconcile.jitter", 0)

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", 15*time.Minute)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.consumer_group", "invoicechain")
	v.SetDefault("kafka.request_topic", "flow_requests")
	v.SetDefault("kafka.outcome_topic", "flow_outcomes")

	v.SetDefault("api.port", "8080")
	v.SetDefault("api.version", "v1")
	v.SetDefault("api.cors_allowed_origins", []string{"*"})
	v.SetDefault("api.rate_limit", 100)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("tokenization.default_interest_rate_apy", "5")
	v.SetDefault("tokenization.default_maturity_months", 12)

	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)
}

// Validate checks the configuration. A missing or malformed ledger endpoint
// or contract address is always fatal.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return errors.Configf("chain.rpc_url is required")
	}
	u, err := url.Parse(c.Chain.RPCURL)
	if err != nil || u.Host == "" {
		return errors.Configf("chain.rpc_url %q is not a valid URL", c.Chain.RPCURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.Configf("chain.rpc_url scheme %q is not supported", u.Scheme)
	}

	if c.Chain.ContractAddress == "" {
		return errors.Configf("chain.contract_address is required")
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return errors.Configf("chain.contract_address %q is not a hex address", c.Chain.ContractAddress)
	}
	if c.Chain.ChainID <= 0 {
		return errors.Configf("chain.chain_id must be positive")
	}
	if c.Chain.ConfirmTimeout < 0 {
		return errors.Configf("chain.confirm_timeout must not be negative")
	}
	if c.Chain.PollInterval <= 0 {
		return errors.Configf("chain.poll_interval must be positive")
	}

	if c.Backend.BaseURL == "" {
		return errors.Configf("backend.base_url is required")
	}
	if c.Reconcile.MaxAttempts < 1 {
		return errors.Configf("reconcile.max_attempts must be at least 1")
	}
	if c.Reconcile.Delay < 0 || c.Reconcile.Jitter < 0 {
		return errors.Configf("reconcile delay and jitter must not be negative")
	}

	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		return errors.Configf("lock.backend must be memory or redis, got %q", c.Lock.Backend)
	}
	return nil
}
