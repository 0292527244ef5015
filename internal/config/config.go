// Package config handles loading and validation of the server
// configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath is the default location for the server configuration
// file.
const DefaultConfigPath = "/etc/socketio/server.yaml"

// Transports lists every transport the server can speak, in the order
// advertised at handshake.
var Transports = []string{"websocket", "flashsocket", "xhr-polling", "jsonp-polling"}

// Config holds all configuration for the server.
type Config struct {
	// Port is the TCP port the HTTP listener binds to.
	Port int `mapstructure:"port"`

	// Resource is the URL prefix mounted in front of /socket.io/1/.
	Resource string `mapstructure:"resource"`

	// HeartbeatTimeout is the maximum client silence, in seconds, before
	// a session is considered dead.
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout"`

	// HeartbeatInterval is the cadence, in seconds, at which the server
	// emits HEARTBEAT packets. Must be below HeartbeatTimeout.
	HeartbeatInterval int `mapstructure:"heartbeat_interval"`

	// CloseTimeout is the grace window, in seconds, during which a
	// dropped transport can reattach before the session is destroyed.
	CloseTimeout int `mapstructure:"close_timeout"`

	// TransportNames is the comma-separated list of enabled transports.
	TransportNames string `mapstructure:"transports"`

	// SSLCert and SSLKey enable TLS on the listener when both are set.
	SSLCert string `mapstructure:"ssl_cert"`
	SSLKey  string `mapstructure:"ssl_key"`

	// AlwaysSecureWebSocketLocation forces wss:// in advertised
	// WebSocket locations, for TLS-terminating reverse proxies.
	AlwaysSecureWebSocketLocation bool `mapstructure:"always_secure_websocket_location"`

	// HeaderClientIPAddressName names the header carrying the real
	// client address (typically X-Forwarded-For). Empty means the peer
	// socket address is used.
	HeaderClientIPAddressName string `mapstructure:"header_client_ip_address_name"`

	// HeartbeatThreadpoolSize is the number of workers servicing
	// heartbeat ticks.
	HeartbeatThreadpoolSize int `mapstructure:"heartbeat_threadpool_size"`

	// EpollEnabled selects the tuned listener socket path where the
	// platform supports it.
	EpollEnabled bool `mapstructure:"epoll_enabled"`

	// FlashPolicyPort is the TCP port for the Flash cross-domain policy
	// listener. Zero disables it.
	FlashPolicyPort int `mapstructure:"flash_policy_port"`
}

// Load reads configuration from the given file path, falling back to the
// default path if configPath is empty. Environment variables override
// file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults.
	v.SetDefault("port", 8080)
	v.SetDefault("resource", "")
	v.SetDefault("heartbeat_timeout", 30)
	v.SetDefault("heartbeat_interval", 20)
	v.SetDefault("close_timeout", 25)
	v.SetDefault("transports", strings.Join(Transports, ","))
	v.SetDefault("heartbeat_threadpool_size", 4)
	v.SetDefault("epoll_enabled", false)
	v.SetDefault("flash_policy_port", 843)

	// Configure file source.
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	// Configure environment variable overrides.
	v.SetEnvPrefix("SOCKETIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific environment variables to config keys.
	envBindings := map[string]string{
		"port":                             "SOCKETIO_PORT",
		"resource":                         "SOCKETIO_RESOURCE",
		"heartbeat_timeout":                "SOCKETIO_HEARTBEAT_TIMEOUT",
		"heartbeat_interval":               "SOCKETIO_HEARTBEAT_INTERVAL",
		"close_timeout":                    "SOCKETIO_CLOSE_TIMEOUT",
		"transports":                       "SOCKETIO_TRANSPORTS",
		"ssl_cert":                         "SOCKETIO_SSL_CERT",
		"ssl_key":                          "SOCKETIO_SSL_KEY",
		"always_secure_websocket_location": "SOCKETIO_ALWAYS_SECURE_WEBSOCKET_LOCATION",
		"header_client_ip_address_name":    "SOCKETIO_HEADER_CLIENT_IP_ADDRESS_NAME",
		"heartbeat_threadpool_size":        "SOCKETIO_HEARTBEAT_THREADPOOL_SIZE",
		"epoll_enabled":                    "SOCKETIO_EPOLL_ENABLED",
		"flash_policy_port":                "SOCKETIO_FLASH_POLICY_PORT",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	// Read config file.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars and defaults.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration fields are well-formed and
// consistent.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.HeartbeatTimeout < 1 {
		return fmt.Errorf("heartbeat_timeout must be positive, got %d", c.HeartbeatTimeout)
	}
	if c.HeartbeatInterval < 1 {
		return fmt.Errorf("heartbeat_interval must be positive, got %d", c.HeartbeatInterval)
	}
	if c.HeartbeatInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("heartbeat_interval (%d) must be less than heartbeat_timeout (%d)",
			c.HeartbeatInterval, c.HeartbeatTimeout)
	}
	if c.CloseTimeout < 1 {
		return fmt.Errorf("close_timeout must be positive, got %d", c.CloseTimeout)
	}
	if c.HeartbeatThreadpoolSize < 1 {
		return fmt.Errorf("heartbeat_threadpool_size must be at least 1, got %d", c.HeartbeatThreadpoolSize)
	}
	if (c.SSLCert == "") != (c.SSLKey == "") {
		return fmt.Errorf("ssl_cert and ssl_key must be set together")
	}
	if c.Resource != "" && !strings.HasPrefix(c.Resource, "/") {
		return fmt.Errorf("resource must start with a slash, got %q", c.Resource)
	}
	if len(c.EnabledTransports()) == 0 {
		return fmt.Errorf("transports must name at least one of %s", strings.Join(Transports, ", "))
	}
	for _, t := range c.EnabledTransports() {
		if !isKnownTransport(t) {
			return fmt.Errorf("unknown transport %q", t)
		}
	}
	return nil
}

// EnabledTransports returns the configured transport names, trimmed, in
// configuration order.
func (c *Config) EnabledTransports() []string {
	var out []string
	for _, t := range strings.Split(c.TransportNames, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// TransportEnabled reports whether name is in the configured set.
func (c *Config) TransportEnabled(name string) bool {
	for _, t := range c.EnabledTransports() {
		if t == name {
			return true
		}
	}
	return false
}

// HeartbeatTimeoutDuration returns the heartbeat timeout as a Duration.
func (c *Config) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a Duration.
func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// CloseTimeoutDuration returns the close timeout as a Duration.
func (c *Config) CloseTimeoutDuration() time.Duration {
	return time.Duration(c.CloseTimeout) * time.Second
}

// TLSEnabled reports whether the listener should serve TLS.
func (c *Config) TLSEnabled() bool {
	return c.SSLCert != "" && c.SSLKey != ""
}

func isKnownTransport(name string) bool {
	for _, t := range Transports {
		if t == name {
			return true
		}
	}
	return false
}
