// Copyright 2021-2022 The fanout Authors
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

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// Enabled whether to accept dispatch requests from NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// Subject is the NATS subject dispatch requests are published on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the request
	// headers in seconds. Session requests are long lived, so the body
	// read is not bounded. A zero value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
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
// Gateway Server Related Config

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// SessionConfig defines the per-session delivery parameters
type SessionConfig struct {
	// QueueDepth is the max number of undelivered events buffered per session
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
	// BackpressureTimeout is the max duration in milliseconds a producer waits for
	// space in a full session queue before the session is closed as a slow consumer
	BackpressureTimeout int `mapstructure:"backpressure_timeout_ms" json:"backpressure_timeout_ms" validate:"gte=1"`
	// WriteTimeout is the max duration in seconds of one transport write
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// HeartbeatInterval is the interval in seconds between transport keep-alive
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
}

// DispatchConfig defines the asynchronous dispatch worker pool parameters
type DispatchConfig struct {
	// Workers is the number of dispatch workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// QueueDepth is the number of jobs each worker buffers
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
	// SubmitTimeout is the max duration in milliseconds to wait when submitting a job
	SubmitTimeout int `mapstructure:"submit_timeout_ms" json:"submit_timeout_ms" validate:"gte=1"`
}

// GatewayServerConfig defines configuration for the gateway server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Session is the per-session delivery parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Dispatch is the asynchronous dispatch parameters
	Dispatch DispatchConfig `mapstructure:"dispatch" json:"dispatch" validate:"required,dive"`
}

// BackpressureTimeoutDuration helper to convert the config to time.Duration
func (c SessionConfig) BackpressureTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.BackpressureTimeout)
}

// WriteTimeoutDuration helper to convert the config to time.Duration
func (c SessionConfig) WriteTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.WriteTimeout)
}

// HeartbeatIntervalDuration helper to convert the config to time.Duration
func (c SessionConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.HeartbeatInterval)
}

// SubmitTimeoutDuration helper to convert the config to time.Duration
func (c DispatchConfig) SubmitTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.SubmitTimeout)
}

// ===============================================================================
// Complete Config

// Operating modes
const (
	// ModeDevelopment fail fast on internal invariant violations
	ModeDevelopment = "development"
	// ModeProduction log and continue on internal invariant violations
	ModeProduction = "production"
)

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Mode is the operating mode: development or production
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=development production"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Gateway are the gateway server configs
	Gateway *GatewayServerConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"required,dive"`
}

// StrictInvariants whether internal invariant violations should fail fast
func (c SystemConfig) StrictInvariants() bool {
	return c.Mode == ModeDevelopment
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	viper.SetDefault("mode", ModeProduction)

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject", "fanout.dispatch")

	// Default Gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 5001)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Fanout-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("gateway.session.queue_depth", 64)
	viper.SetDefault("gateway.session.backpressure_timeout_ms", 2000)
	viper.SetDefault("gateway.session.write_timeout_sec", 10)
	viper.SetDefault("gateway.session.heartbeat_interval_sec", 30)
	viper.SetDefault("gateway.dispatch.workers", 4)
	viper.SetDefault("gateway.dispatch.queue_depth", 256)
	viper.SetDefault("gateway.dispatch.submit_timeout_ms", 500)
}
