package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rtbfoundry/bankerd/internal/banker"
	base "github.com/rtbfoundry/bankerd/libs/config"
)

type RemoteConfig struct {
	URL            string
	Timeout        time.Duration
	MaxConnections int
	TCPNoDelay     bool
}

type AccountConfig struct {
	Suffix            string
	SpendRateMicroUSD int64
}

type IntervalConfig struct {
	Sweep       time.Duration
	Reauthorize time.Duration
	SpendUpdate time.Duration
}

type Config struct {
	App       base.AppConfig
	Remote    RemoteConfig
	Account   AccountConfig
	Role      banker.Role
	Intervals IntervalConfig
	Debug     bool
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("BANKER_CONFIG"))
	if err != nil {
		return nil, err
	}

	role, err := banker.ParseRole(envString("BANKER_ROLE", string(banker.RoleRouter)))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: *appCfg,
		Remote: RemoteConfig{
			URL:            envString("BANKER_REMOTE_URL", "http://localhost:9985"),
			Timeout:        envDuration("BANKER_REMOTE_TIMEOUT", 3*time.Second),
			MaxConnections: envInt("BANKER_REMOTE_CONNECTIONS", 4),
			TCPNoDelay:     envBool("BANKER_REMOTE_TCP_NODELAY", true),
		},
		Account: AccountConfig{
			Suffix:            envString("BANKER_ACCOUNT_SUFFIX", ".router"),
			SpendRateMicroUSD: envInt64("BANKER_SPEND_RATE_MICRO_USD", 100000),
		},
		Role: role,
		Intervals: IntervalConfig{
			Sweep:       envDuration("BANKER_SWEEP_INTERVAL", time.Second),
			Reauthorize: envDuration("BANKER_REAUTHORIZE_INTERVAL", time.Second),
			SpendUpdate: envDuration("BANKER_SPEND_UPDATE_INTERVAL", 500*time.Millisecond),
		},
		Debug: envBool("BANKER_DEBUG", false),
	}

	if cfg.Remote.URL == "" {
		return nil, fmt.Errorf("BANKER_REMOTE_URL must be set")
	}
	if cfg.Account.Suffix == "" {
		return nil, fmt.Errorf("BANKER_ACCOUNT_SUFFIX must be set")
	}
	if cfg.Account.SpendRateMicroUSD <= 0 {
		return nil, fmt.Errorf("spend rate must be positive")
	}
	if cfg.Remote.MaxConnections <= 0 {
		return nil, fmt.Errorf("remote connections must be positive")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
