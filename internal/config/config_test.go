package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.Mailbox.Driver != DriverBadger {
		t.Errorf("expected badger driver, got %s", cfg.Mailbox.Driver)
	}
	if cfg.Relay.MessageTTL != 3*time.Second {
		t.Errorf("expected message ttl 3s, got %s", cfg.Relay.MessageTTL)
	}
	if cfg.Relay.MarkerTTL != 24*time.Hour {
		t.Errorf("expected marker ttl 24h, got %s", cfg.Relay.MarkerTTL)
	}
	if cfg.Relay.Lookback != 10*time.Second {
		t.Errorf("expected lookback 10s, got %s", cfg.Relay.Lookback)
	}
	if cfg.Relay.Echo {
		t.Error("echo mode should be off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAILBOX_DRIVER", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RELAY_LOOKBACK", "30s")
	t.Setenv("RELAY_ECHO", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mailbox.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("unexpected redis url %q", cfg.Mailbox.RedisURL)
	}
	if cfg.Relay.Lookback != 30*time.Second {
		t.Errorf("expected lookback 30s, got %s", cfg.Relay.Lookback)
	}
	if !cfg.Relay.Echo {
		t.Error("expected echo mode")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "unparseable duration",
			env:  map[string]string{"RELAY_MESSAGE_TTL": "soon"},
			want: "parse env:",
		},
		{
			name: "unknown driver",
			env:  map[string]string{"MAILBOX_DRIVER": "etcd"},
			want: `unknown MAILBOX_DRIVER "etcd"`,
		},
		{
			name: "redis without url",
			env:  map[string]string{"MAILBOX_DRIVER": "redis", "REDIS_URL": ""},
			want: "REDIS_URL is required",
		},
		{
			name: "postgres without url",
			env:  map[string]string{"MAILBOX_DRIVER": "postgres", "DATABASE_URL": ""},
			want: "DATABASE_URL is required",
		},
		{
			name: "zero lookback",
			env:  map[string]string{"RELAY_LOOKBACK": "0s"},
			want: "RELAY_LOOKBACK must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}
