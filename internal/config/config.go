package config

import (
	"errors"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Provider struct {
		BaseURL     string `yaml:"base_url"`
		APIKey      string `yaml:"api_key"`
		Mode        string `yaml:"mode"`
		CallbackURL string `yaml:"callback_url"`
		StreamURL   string `yaml:"stream_url"`
	} `yaml:"provider"`
	Pricing struct {
		MarketURL string `yaml:"market_url"`
		RateURL   string `yaml:"rate_url"`
	} `yaml:"pricing"`
	Orders struct {
		TTLMinutes int    `yaml:"ttl_minutes"`
		FulfillURL string `yaml:"fulfill_url"`
	} `yaml:"orders"`
	Reaper struct {
		IntervalSeconds int64 `yaml:"interval_seconds"`
	} `yaml:"reaper"`
	Wallet struct {
		XPub         string `yaml:"xpub"`
		Bech32Prefix string `yaml:"bech32_prefix"`
	} `yaml:"wallet"`
	Stripe struct {
		Key           string `yaml:"key"`
		SigningSecret string `yaml:"signing_secret"`
		SuccessURL    string `yaml:"success_url"`
		CancelURL     string `yaml:"cancel_url"`
	} `yaml:"stripe"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.Provider.BaseURL == "" || cfg.Provider.APIKey == "" {
		return nil, errors.New("provider config is incomplete")
	}
	if cfg.Provider.Mode != "" && cfg.Provider.Mode != "live" && cfg.Provider.Mode != "sandbox" {
		return nil, errors.New("provider.mode must be live or sandbox")
	}
	if cfg.Orders.TTLMinutes <= 0 {
		cfg.Orders.TTLMinutes = 30
	}
	if cfg.Reaper.IntervalSeconds <= 0 {
		cfg.Reaper.IntervalSeconds = 120
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		cfg.DB.MaxConns = int32(atoiOr(int(cfg.DB.MaxConns), v))
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PROVIDER_MODE"); v != "" {
		cfg.Provider.Mode = v
	}
	if v := os.Getenv("PROVIDER_CALLBACK_URL"); v != "" {
		cfg.Provider.CallbackURL = v
	}
	if v := os.Getenv("PROVIDER_STREAM_URL"); v != "" {
		cfg.Provider.StreamURL = v
	}
	if v := os.Getenv("PRICING_MARKET_URL"); v != "" {
		cfg.Pricing.MarketURL = v
	}
	if v := os.Getenv("PRICING_RATE_URL"); v != "" {
		cfg.Pricing.RateURL = v
	}
	if v := os.Getenv("ORDER_TTL_MINUTES"); v != "" {
		cfg.Orders.TTLMinutes = atoiOr(cfg.Orders.TTLMinutes, v)
	}
	if v := os.Getenv("ORDER_FULFILL_URL"); v != "" {
		cfg.Orders.FulfillURL = v
	}
	if v := os.Getenv("REAPER_INTERVAL_SECONDS"); v != "" {
		cfg.Reaper.IntervalSeconds = atoi64Or(cfg.Reaper.IntervalSeconds, v)
	}
	if v := os.Getenv("WALLET_XPUB"); v != "" {
		cfg.Wallet.XPub = v
	}
	if v := os.Getenv("BECH32_PREFIX"); v != "" {
		cfg.Wallet.Bech32Prefix = v
	}
	if v := os.Getenv("STRIPE_KEY"); v != "" {
		cfg.Stripe.Key = v
	}
	if v := os.Getenv("STRIPE_SIGNING_SECRET"); v != "" {
		cfg.Stripe.SigningSecret = v
	}
	if v := os.Getenv("STRIPE_SUCCESS_URL"); v != "" {
		cfg.Stripe.SuccessURL = v
	}
	if v := os.Getenv("STRIPE_CANCEL_URL"); v != "" {
		cfg.Stripe.CancelURL = v
	}
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
