package config

import (
	"strings"
	"testing"
	"time"
)

func validLiveConfig() Config {
	cfg := Config{
		BrokerBaseURL: "https://api.broker.example",
		BrokerAPIKey:  "key",
		DBConnStr:     "postgres://localhost/ordersentry",
		Mode:          "live",
	}
	applyDefaults(&cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("valid live config", func(t *testing.T) {
		if err := validLiveConfig().Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		cfg := validLiveConfig()
		cfg.Mode = "paper"
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected an error for an unknown mode")
		}
	})

	t.Run("live mode requires credentials", func(t *testing.T) {
		cfg := validLiveConfig()
		cfg.BrokerAPIKey = ""
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected an error for a missing API key")
		}
	})

	t.Run("call timeout must fit inside the tick", func(t *testing.T) {
		cfg := validLiveConfig()
		cfg.TickInterval = 30 * time.Second
		cfg.CallTimeout = 30 * time.Second
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected an error when call_timeout >= tick_interval")
		}
		if !strings.Contains(err.Error(), "call_timeout") {
			t.Fatalf("error should name call_timeout, got %v", err)
		}
	})

	t.Run("dry-run needs no broker credentials", func(t *testing.T) {
		cfg := Config{Mode: "dry-run"}
		applyDefaults(&cfg)
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
