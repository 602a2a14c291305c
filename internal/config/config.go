// Package config loads service settings from the environment, an optional
// .env file and an optional config/payledger.yaml.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string
	DatabaseURL string
	AuthToken   string

	Gateway  GatewayConfig
	Charge   ChargeConfig
	Reward   RewardConfig
	Callback CallbackConfig

	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	LogLevel string
	LogFile  string
}

type GatewayConfig struct {
	BaseURL  string
	Merchant string
	Timeout  time.Duration
}

type ChargeConfig struct {
	Currency       string
	PayCurrency    string
	LifeTime       int
	FeePaidByPayer int
	UnderPaidCover decimal.Decimal
	CallbackURL    string
	ReturnURL      string
	FrontendURL    string
}

type RewardConfig struct {
	Tier1Amount decimal.Decimal
	Tier2Amount decimal.Decimal
	Threshold   int
	Currency    string
}

type CallbackConfig struct {
	HMACKey string
	// Rate is the per-IP allowance in requests per second.
	Rate  float64
	Burst int
	// TrustedProxies are the peers allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

var defaults = map[string]any{
	"PORT":                     "8080",
	"DB_HOST":                  "localhost",
	"DB_PORT":                  "5432",
	"DB_SSLMODE":               "disable",
	"OXAPAY_BASE_URL":          "https://api.oxapay.com",
	"OXAPAY_TIMEOUT":           "15s",
	"FRONTEND_URL":             "http://localhost:5173",
	"CHARGE_CURRENCY":          "USD",
	"CHARGE_PAY_CURRENCY":      "TRX",
	"CHARGE_LIFETIME":          90,
	"CHARGE_FEE_PAID_BY_PAYER": 1,
	"CHARGE_UNDER_PAID_COVER":  "10",
	"REWARD_TIER1_AMOUNT":      "10",
	"REWARD_TIER2_AMOUNT":      "40",
	"REWARD_THRESHOLD":         5,
	"REWARD_CURRENCY":          "USDT",
	"RECONCILE_INTERVAL":       "1m",
	"RECONCILE_GRACE":          "10m",
	"CALLBACK_RATE":            5,
	"CALLBACK_BURST":           20,
	"LOG_LEVEL":                "info",
}

// keys that have no default but must still be visible to AutomaticEnv
// lookups through Get.
var optional = []string{
	"DATABASE_URL", "DB_USER", "DB_PASSWORD", "DB_NAME", "AUTH_TOKEN",
	"OXAPAY_MERCHANT", "CALLBACK_URL", "RETURN_URL", "CALLBACK_HMAC_KEY",
	"LOG_FILE", "TRUSTED_PROXIES",
}

// Load reads .env (if present) into the process environment, then
// resolves every setting with environment variables taking precedence over
// config/payledger.yaml and the built-in defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("payledger")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper resolves a Config from v. Environment variables are bound
// automatically.
func FromViper(v *viper.Viper) (Config, error) {
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for _, k := range optional {
		_ = v.BindEnv(k)
	}

	dbURL, err := databaseURL(v)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:        get(v, "PORT"),
		DatabaseURL: dbURL,
		AuthToken:   get(v, "AUTH_TOKEN"),
		Gateway: GatewayConfig{
			BaseURL:  strings.TrimRight(get(v, "OXAPAY_BASE_URL"), "/"),
			Merchant: get(v, "OXAPAY_MERCHANT"),
		},
		Charge: ChargeConfig{
			Currency:       get(v, "CHARGE_CURRENCY"),
			PayCurrency:    get(v, "CHARGE_PAY_CURRENCY"),
			LifeTime:       v.GetInt("CHARGE_LIFETIME"),
			FeePaidByPayer: v.GetInt("CHARGE_FEE_PAID_BY_PAYER"),
			CallbackURL:    get(v, "CALLBACK_URL"),
			ReturnURL:      get(v, "RETURN_URL"),
			FrontendURL:    strings.TrimRight(get(v, "FRONTEND_URL"), "/"),
		},
		Reward: RewardConfig{
			Threshold: v.GetInt("REWARD_THRESHOLD"),
			Currency:  get(v, "REWARD_CURRENCY"),
		},
		Callback: CallbackConfig{
			HMACKey: get(v, "CALLBACK_HMAC_KEY"),
			Rate:    v.GetFloat64("CALLBACK_RATE"),
			Burst:   v.GetInt("CALLBACK_BURST"),
		},
		LogLevel: get(v, "LOG_LEVEL"),
		LogFile:  get(v, "LOG_FILE"),
	}

	if cfg.Gateway.Timeout, err = duration(v, "OXAPAY_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = duration(v, "RECONCILE_INTERVAL"); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileGrace, err = duration(v, "RECONCILE_GRACE"); err != nil {
		return Config{}, err
	}
	if cfg.Charge.UnderPaidCover, err = decimalValue(v, "CHARGE_UNDER_PAID_COVER"); err != nil {
		return Config{}, err
	}
	if cfg.Reward.Tier1Amount, err = decimalValue(v, "REWARD_TIER1_AMOUNT"); err != nil {
		return Config{}, err
	}
	if cfg.Reward.Tier2Amount, err = decimalValue(v, "REWARD_TIER2_AMOUNT"); err != nil {
		return Config{}, err
	}
	if cfg.Callback.TrustedProxies, err = prefixes(v, "TRUSTED_PROXIES"); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.AuthToken == "":
		return errors.New("AUTH_TOKEN is required")
	case c.Gateway.Merchant == "":
		return errors.New("OXAPAY_MERCHANT is required")
	case c.Charge.CallbackURL == "":
		return errors.New("CALLBACK_URL is required")
	case c.Charge.LifeTime <= 0:
		return errors.New("CHARGE_LIFETIME must be positive")
	case c.Charge.FeePaidByPayer != 0 && c.Charge.FeePaidByPayer != 1:
		return errors.New("CHARGE_FEE_PAID_BY_PAYER must be 0 or 1")
	case c.Reward.Threshold <= 0:
		return errors.New("REWARD_THRESHOLD must be positive")
	case c.Callback.Rate <= 0 || c.Callback.Burst <= 0:
		return errors.New("CALLBACK_RATE and CALLBACK_BURST must be positive")
	}
	return nil
}

func databaseURL(v *viper.Viper) (string, error) {
	if u := get(v, "DATABASE_URL"); u != "" {
		return u, nil
	}
	user := get(v, "DB_USER")
	password := get(v, "DB_PASSWORD")
	name := get(v, "DB_NAME")
	if user == "" || password == "" || name == "" {
		return "", errors.New("DATABASE_URL or DB_USER/DB_PASSWORD/DB_NAME are required")
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		get(v, "DB_HOST"),
		get(v, "DB_PORT"),
		user,
		password,
		name,
		get(v, "DB_SSLMODE"),
	), nil
}

func get(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(get(v, key))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration", key)
	}
	return d, nil
}

func decimalValue(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(get(v, key))
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must be a non-negative number", key)
	}
	return d, nil
}

// prefixes parses a comma-separated list of IPs and CIDRs. A bare IP is a
// single-address prefix.
func prefixes(v *viper.Viper, key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(get(v, key), ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid CIDR %q", key, item)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid address %q", key, item)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
