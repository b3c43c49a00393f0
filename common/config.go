// Copyright 2022 The telegate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Redis Related Config

// RedisConfig defines parameters for connecting to the edge Redis store
type RedisConfig struct {
	// Addr is the Redis "host:port" connection address
	Addr string `mapstructure:"addr" json:"addr" validate:"required"`
	// Password is the optional Redis AUTH password
	Password string `mapstructure:"password" json:"password"`
	// DB is the Redis logical database holding the edge telemetry keys
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// ConnectTimeout is the max duration for establishing a connection in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// OpTimeout is the per-operation timeout against the store in seconds
	OpTimeout int `mapstructure:"op_timeout_sec" json:"op_timeout_sec" validate:"gte=1"`
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
	// StartOfRequestMessage is the message logged when a request first arrives
	StartOfRequestMessage string `mapstructure:"start_of_request_message" json:"start_of_request_message"`
	// EndOfRequestMessage is the message logged when a request is answered
	EndOfRequestMessage string `mapstructure:"end_of_request_message" json:"end_of_request_message"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Gateway Server Related Config

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// WebsocketConfig defines websocket client connection handling parameters
type WebsocketConfig struct {
	// HeartbeatInterval is the period between server heartbeat broadcasts in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// MaxIdle is the duration in seconds after which a client connection
	// showing no activity is evicted
	MaxIdle int `mapstructure:"max_idle_sec" json:"max_idle_sec" validate:"gte=1"`
	// WriteTimeout is the max duration for completing one websocket write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
}

// DispatchConfig defines telemetry push scheduling parameters
type DispatchConfig struct {
	// ActiveTick is the scheduler poll period when subscriptions exist in msec
	ActiveTick int `mapstructure:"active_tick_msec" json:"active_tick_msec" validate:"gte=100"`
	// IdleTick is the scheduler poll period when no subscriptions exist in msec
	IdleTick int `mapstructure:"idle_tick_msec" json:"idle_tick_msec" validate:"gte=100"`
}

// GatewayServerConfig defines configuration for the gateway server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Websocket is the websocket connection handling parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// Dispatch is the telemetry push scheduling parameters
	Dispatch DispatchConfig `mapstructure:"dispatch" json:"dispatch" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the gateway
type SystemConfig struct {
	// Redis are the Redis related config parameters
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required,dive"`
	// Gateway are the gateway server configs
	Gateway *GatewayServerConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default Redis settings
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.connect_timeout_sec", 30)
	viper.SetDefault("redis.op_timeout_sec", 5)

	// Default Gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Telegate-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.start_of_request_message", "Request Start",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.end_of_request_message", "Request Complete",
	)
	viper.SetDefault("gateway.websocket.heartbeat_interval_sec", 30)
	viper.SetDefault("gateway.websocket.max_idle_sec", 300)
	viper.SetDefault("gateway.websocket.write_timeout_sec", 10)
	viper.SetDefault("gateway.dispatch.active_tick_msec", 1000)
	viper.SetDefault("gateway.dispatch.idle_tick_msec", 5000)
}
