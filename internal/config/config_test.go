package config

import (
	"testing"
	"time"

	"github.com/rtbfoundry/bankerd/internal/banker"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Role != banker.RoleRouter {
		t.Fatalf("default role = %q", cfg.Role)
	}
	if cfg.Account.Suffix != ".router" {
		t.Fatalf("default suffix = %q", cfg.Account.Suffix)
	}
	if cfg.Account.SpendRateMicroUSD != 100000 {
		t.Fatalf("default spend rate = %d", cfg.Account.SpendRateMicroUSD)
	}
	if cfg.Intervals.Reauthorize != time.Second {
		t.Fatalf("default reauthorize interval = %s", cfg.Intervals.Reauthorize)
	}
	if cfg.Intervals.SpendUpdate != 500*time.Millisecond {
		t.Fatalf("default spend update interval = %s", cfg.Intervals.SpendUpdate)
	}
	if !cfg.Remote.TCPNoDelay {
		t.Fatal("tcp no-delay should default to on")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BANKER_ROLE", "post_auction")
	t.Setenv("BANKER_ACCOUNT_SUFFIX", ".pal")
	t.Setenv("BANKER_SPEND_RATE_MICRO_USD", "250000")
	t.Setenv("BANKER_REMOTE_TIMEOUT", "10s")
	t.Setenv("BANKER_REMOTE_TCP_NODELAY", "false")
	t.Setenv("BANKER_DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Role != banker.RolePostAuction {
		t.Fatalf("role = %q", cfg.Role)
	}
	if cfg.Account.Suffix != ".pal" || cfg.Account.SpendRateMicroUSD != 250000 {
		t.Fatalf("account config = %+v", cfg.Account)
	}
	if cfg.Remote.Timeout != 10*time.Second || cfg.Remote.TCPNoDelay {
		t.Fatalf("remote config = %+v", cfg.Remote)
	}
	if !cfg.Debug {
		t.Fatal("debug should be enabled")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("BANKER_ROLE", "auctioneer")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown role")
	}

	t.Setenv("BANKER_ROLE", "router")
	t.Setenv("BANKER_SPEND_RATE_MICRO_USD", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative spend rate")
	}
}
