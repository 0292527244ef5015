package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.HeartbeatTimeout != 30 || cfg.HeartbeatInterval != 20 || cfg.CloseTimeout != 25 {
		t.Errorf("timeouts = %d/%d/%d, want 30/20/25",
			cfg.HeartbeatTimeout, cfg.HeartbeatInterval, cfg.CloseTimeout)
	}
	if got := cfg.EnabledTransports(); len(got) != 4 {
		t.Errorf("default transports = %v, want all four", got)
	}
	if cfg.HeartbeatThreadpoolSize != 4 {
		t.Errorf("heartbeat_threadpool_size = %d, want 4", cfg.HeartbeatThreadpoolSize)
	}
	if cfg.FlashPolicyPort != 843 {
		t.Errorf("flash_policy_port = %d, want 843", cfg.FlashPolicyPort)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	content := "port: 9000\nheartbeat_timeout: 60\nheartbeat_interval: 25\ntransports: websocket,xhr-polling\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Port)
	}
	if cfg.HeartbeatTimeout != 60 || cfg.HeartbeatInterval != 25 {
		t.Errorf("timeouts = %d/%d, want 60/25", cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	}
	if !cfg.TransportEnabled("websocket") || cfg.TransportEnabled("jsonp-polling") {
		t.Errorf("transports = %v", cfg.EnabledTransports())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOCKETIO_PORT", "9090")
	t.Setenv("SOCKETIO_HEARTBEAT_INTERVAL", "5")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Port)
	}
	if cfg.HeartbeatInterval != 5 {
		t.Errorf("heartbeat_interval = %d, want 5", cfg.HeartbeatInterval)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Port:                    8080,
			HeartbeatTimeout:        30,
			HeartbeatInterval:       20,
			CloseTimeout:            25,
			TransportNames:          "websocket",
			HeartbeatThreadpoolSize: 1,
		}
	}

	if cfg := base(); cfg.Validate() != nil {
		t.Errorf("valid config rejected: %v", cfg.Validate())
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"interval not below timeout", func(c *Config) { c.HeartbeatInterval = 30 }},
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"zero threadpool", func(c *Config) { c.HeartbeatThreadpoolSize = 0 }},
		{"unknown transport", func(c *Config) { c.TransportNames = "telepathy" }},
		{"no transports", func(c *Config) { c.TransportNames = "" }},
		{"cert without key", func(c *Config) { c.SSLCert = "/tmp/cert.pem" }},
		{"resource without slash", func(c *Config) { c.Resource = "chat" }},
		{"zero close timeout", func(c *Config) { c.CloseTimeout = 0 }},
	}
	for _, tt := range tests {
		cfg := base()
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted invalid config", tt.name)
		}
	}
}
