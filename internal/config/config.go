package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is built once at process start and passed down explicitly.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
}

type ServerConfig struct {
	Port      string `mapstructure:"port"`
	Env       string `mapstructure:"env"`
	RateLimit bool   `mapstructure:"rate_limit"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	APIKey         string `mapstructure:"api_key"`
	APISecret      string `mapstructure:"api_secret"`
	AdminAPIKey    string `mapstructure:"admin_api_key"`
	AdminAPISecret string `mapstructure:"admin_api_secret"`
}

// GatewayConfig holds everything the trade gateway client needs.
type GatewayConfig struct {
	AppID            string        `mapstructure:"app_id"`
	URL              string        `mapstructure:"url"`
	PrivateKey       string        `mapstructure:"private_key"`
	GatewayPublicKey string        `mapstructure:"gateway_public_key"`
	NotifyURL        string        `mapstructure:"notify_url"`
	ReturnURL        string        `mapstructure:"return_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	SubjectMaxLen    int           `mapstructure:"subject_max_len"`
	SettleMode       string        `mapstructure:"settle_mode"`
	ProductCode      string        `mapstructure:"product_code"`
	TransferProduct  string        `mapstructure:"transfer_product_code"`
	VerifyResponses  bool          `mapstructure:"verify_responses"`

	// Sandbox mounts the in-process fake gateway and points URL at it.
	Sandbox bool `mapstructure:"sandbox"`
}

type SettlementConfig struct {
	FallbackToTransfer bool   `mapstructure:"fallback_to_transfer"`
	PlatformPayee      string `mapstructure:"platform_payee"`
	PlatformPayeeType  string `mapstructure:"platform_payee_type"`
}

type ReconcilerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

const envPrefix = "MARKET"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.rate_limit", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "market.db")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.api_secret", "")
	v.SetDefault("auth.admin_api_key", "")
	v.SetDefault("auth.admin_api_secret", "")

	v.SetDefault("gateway.app_id", "")
	v.SetDefault("gateway.url", "https://openapi.alipay.com/gateway.do")
	v.SetDefault("gateway.private_key", "")
	v.SetDefault("gateway.gateway_public_key", "")
	v.SetDefault("gateway.notify_url", "")
	v.SetDefault("gateway.return_url", "")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.subject_max_len", 256)
	v.SetDefault("gateway.settle_mode", "sync")
	v.SetDefault("gateway.product_code", "FAST_INSTANT_TRADE_PAY")
	v.SetDefault("gateway.transfer_product_code", "TRANS_ACCOUNT_NO_PWD")
	v.SetDefault("gateway.verify_responses", true)
	v.SetDefault("gateway.sandbox", false)

	v.SetDefault("settlement.fallback_to_transfer", true)
	v.SetDefault("settlement.platform_payee", "")
	v.SetDefault("settlement.platform_payee_type", "userId")

	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", 5*time.Minute)
	v.SetDefault("reconciler.stale_after", 15*time.Minute)
}

// Load reads defaults, then the optional YAML file at path, then MARKET_*
// environment overrides (gateway.app_id -> MARKET_GATEWAY_APP_ID).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults without touching the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Validate checks the settings that must be present before any component starts.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}

	g := c.Gateway
	if g.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	if g.SubjectMaxLen <= 0 {
		errs = append(errs, errors.New("gateway.subject_max_len must be positive"))
	}
	if !g.Sandbox {
		if g.AppID == "" {
			errs = append(errs, errors.New("gateway.app_id is required"))
		}
		if g.URL == "" {
			errs = append(errs, errors.New("gateway.url is required"))
		}
		if g.PrivateKey == "" {
			errs = append(errs, errors.New("gateway.private_key is required"))
		}
		if g.VerifyResponses && g.GatewayPublicKey == "" {
			errs = append(errs, errors.New("gateway.gateway_public_key is required when verify_responses is on"))
		}
	}
	if c.IsProduction() && g.Sandbox {
		errs = append(errs, errors.New("gateway.sandbox cannot be used in production"))
	}

	if c.Settlement.PlatformPayee != "" {
		switch c.Settlement.PlatformPayeeType {
		case "userId", "loginName":
		default:
			errs = append(errs, fmt.Errorf("settlement.platform_payee_type must be userId or loginName, got %q", c.Settlement.PlatformPayeeType))
		}
	}

	if c.Reconciler.Enabled && c.Reconciler.Interval <= 0 {
		errs = append(errs, errors.New("reconciler.interval must be positive"))
	}

	return errors.Join(errs...)
}
