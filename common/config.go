package common

import "github.com/spf13/viper"

// ===============================================================================
// Transport Related Config

// NATSConfig defines parameters for connecting to a NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
}

// WebsocketConfig defines parameters for connecting to a websocket realtime endpoint
type WebsocketConfig struct {
	// EndpointURL is the websocket endpoint to dial
	EndpointURL string `mapstructure:"endpoint_url" json:"endpoint_url" validate:"required,url"`
	// HandshakeTimeout is the max duration of the websocket handshake in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
}

// TransportConfig defines which realtime transport driver to use
type TransportConfig struct {
	// Driver selects the transport driver
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=nats websocket"`
	// NATS are the NATS transport parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required_if=Driver nats"`
	// Websocket are the websocket transport parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket" validate:"required_if=Driver websocket"`
}

// ===============================================================================
// Connection Health Related Config

// HealthConfig defines heartbeat tracking and reconnect policy parameters.
//
// Reconnect attempts occur at a fixed interval. This is adequate for a low fanout
// client but a large deployment should move to capped exponential backoff with
// jitter to avoid thundering-herd reconnects.
type HealthConfig struct {
	// HeartbeatInterval is the duration between transport heartbeats in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// HeartbeatWindow is the max duration without a heartbeat before the connection
	// is considered silent in seconds
	HeartbeatWindow int `mapstructure:"heartbeat_window_sec" json:"heartbeat_window_sec" validate:"gte=1"`
	// CheckInterval is the duration between heartbeat silence checks in seconds
	CheckInterval int `mapstructure:"check_interval_sec" json:"check_interval_sec" validate:"gte=1"`
	// ReconnectInterval is the fixed duration between reconnect attempts in seconds
	ReconnectInterval int `mapstructure:"reconnect_interval_sec" json:"reconnect_interval_sec" validate:"gte=1"`
	// MaxReconnectAttempts sets the max number of consecutive reconnect attempts
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts" validate:"gte=1"`
	// ForceReconnectDelay is the delay before a forced reconnect begins in seconds
	ForceReconnectDelay int `mapstructure:"force_reconnect_delay_sec" json:"force_reconnect_delay_sec" validate:"gte=0"`
}

// ===============================================================================
// Cache Related Config

// CacheConfig defines snapshot cache parameters
type CacheConfig struct {
	// DefaultTTL is the default time-to-live of a cache entry in seconds
	DefaultTTL int `mapstructure:"default_ttl_sec" json:"default_ttl_sec" validate:"gte=1"`
	// SweepInterval is the duration between expired entry sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Mirror Server Related Config

// MirroredResource defines one resource the mirror keeps a live local copy of
type MirroredResource struct {
	// Name is the resource name
	Name string `mapstructure:"name" json:"name" validate:"required"`
	// Filter restricts the feed to rows matching these field values
	Filter map[string]string `mapstructure:"filter,omitempty" json:"filter,omitempty"`
	// SortKey is the row field the mirrored collection is ordered by. Arrival
	// order is kept when unset.
	SortKey string `mapstructure:"sort_key,omitempty" json:"sort_key,omitempty"`
	// SortDescending flips the sort order
	SortDescending bool `mapstructure:"sort_descending" json:"sort_descending"`
	// SnapshotTTL is the time-to-live of cached snapshots of this resource in
	// seconds. The cache default applies when 0.
	SnapshotTTL int `mapstructure:"snapshot_ttl_sec" json:"snapshot_ttl_sec" validate:"gte=0"`
}

// MirrorEndpointConfig defines mirror API endpoint config
type MirrorEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the mirror APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// MirrorServerConfig defines configuration for the mirror server
type MirrorServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the mirror API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the mirror API server
	Endpoints MirrorEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Resources are the resources to mirror
	Resources []MirroredResource `mapstructure:"resources" json:"resources" validate:"omitempty,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Transport are the realtime transport config parameters
	Transport TransportConfig `mapstructure:"transport" json:"transport" validate:"required,dive"`
	// Health are the connection health monitoring config parameters
	Health HealthConfig `mapstructure:"health" json:"health" validate:"required,dive"`
	// Cache are the snapshot cache config parameters
	Cache CacheConfig `mapstructure:"cache" json:"cache" validate:"required,dive"`
	// Mirror are the mirror server configs
	Mirror *MirrorServerConfig `mapstructure:"mirror,omitempty" json:"mirror,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default transport settings
	viper.SetDefault("transport.driver", "nats")
	viper.SetDefault("transport.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("transport.nats.connect_timeout_sec", 30)
	viper.SetDefault("transport.websocket.endpoint_url", "ws://127.0.0.1:4000/socket")
	viper.SetDefault("transport.websocket.handshake_timeout_sec", 30)

	// Default connection health settings
	viper.SetDefault("health.heartbeat_interval_sec", 15)
	viper.SetDefault("health.heartbeat_window_sec", 30)
	viper.SetDefault("health.check_interval_sec", 15)
	viper.SetDefault("health.reconnect_interval_sec", 5)
	viper.SetDefault("health.max_reconnect_attempts", 12)
	viper.SetDefault("health.force_reconnect_delay_sec", 1)

	// Default cache settings
	viper.SetDefault("cache.default_ttl_sec", 60)
	viper.SetDefault("cache.sweep_interval_sec", 300)

	// Default Mirror server settings
	viper.SetDefault("mirror.endpoint_config.path_prefix", "/")
	viper.SetDefault("mirror.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("mirror.api_server.server_config.listen_port", 3000)
	viper.SetDefault("mirror.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("mirror.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("mirror.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"mirror.api_server.logging_config.request_id_header", "Livesync-Request-ID",
	)
	viper.SetDefault(
		"mirror.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
