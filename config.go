package edgegateway

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the edge gateway.
type Config struct {
	// Service is the value of the service label on every metric and the
	// service field of the health response.
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
	// Listen is the server address, e.g. ":8080".
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
	// Routes are installed in order; the first matching prefix wins.
	Routes         []RouteConfig        `json:"routes" yaml:"routes"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	Upstream       UpstreamConfig       `json:"upstream,omitempty" yaml:"upstream,omitempty"`
	Server         ServerConfig         `json:"server,omitempty" yaml:"server,omitempty"`
	Tracing        TracingConfig        `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	CORS           CORSConfig           `json:"cors,omitempty" yaml:"cors,omitempty"`
	RateLimit      RateLimitConfig      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	RequestLog     RequestLogConfig     `json:"request_log,omitempty" yaml:"request_log,omitempty"`
	Logging        LoggingConfig        `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// RouteConfig maps a path prefix to an upstream. Prefix may end in "/*".
// Upstream is a host name (completed with the default scheme and port) or a
// full URL.
type RouteConfig struct {
	Prefix   string `json:"prefix" yaml:"prefix"`
	Upstream string `json:"upstream" yaml:"upstream"`
	// CircuitBreaker overrides the global breaker settings for this route.
	CircuitBreaker *BreakerOverride `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
}

// Breaker engines.
const (
	EngineNative    = "native"
	EngineGobreaker = "gobreaker"
)

// CircuitBreakerConfig configures the breakers guarding upstream calls.
type CircuitBreakerConfig struct {
	// Engine is "native" (default) or "gobreaker".
	Engine            string   `json:"engine,omitempty" yaml:"engine,omitempty"`
	MaxFailures       int      `json:"max_failures,omitempty" yaml:"max_failures,omitempty"`
	CallTimeout       Duration `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
	ResetTimeout      Duration `json:"reset_timeout,omitempty" yaml:"reset_timeout,omitempty"`
	HalfOpenMaxTrials int      `json:"half_open_max_trials,omitempty" yaml:"half_open_max_trials,omitempty"`
	// TripOnServerError counts upstream 5xx responses as failures. They are
	// forwarded to the client either way.
	TripOnServerError bool `json:"trip_on_server_error,omitempty" yaml:"trip_on_server_error,omitempty"`
	// Shared makes every route use one breaker instead of one per route.
	Shared bool `json:"shared,omitempty" yaml:"shared,omitempty"`
}

// BreakerOverride holds per-route breaker settings. Zero fields inherit the
// global value.
type BreakerOverride struct {
	MaxFailures       int      `json:"max_failures,omitempty" yaml:"max_failures,omitempty"`
	CallTimeout       Duration `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
	ResetTimeout      Duration `json:"reset_timeout,omitempty" yaml:"reset_timeout,omitempty"`
	HalfOpenMaxTrials int      `json:"half_open_max_trials,omitempty" yaml:"half_open_max_trials,omitempty"`
	TripOnServerError *bool    `json:"trip_on_server_error,omitempty" yaml:"trip_on_server_error,omitempty"`
}

// UpstreamConfig tunes the outbound connection pool.
type UpstreamConfig struct {
	Scheme             string   `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	DefaultPort        int      `json:"default_port,omitempty" yaml:"default_port,omitempty"`
	MaxConnsPerHost    int      `json:"max_conns_per_host,omitempty" yaml:"max_conns_per_host,omitempty"`
	MaxIdleConns       int      `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	ConnectTimeout     Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	IdleConnTimeout    Duration `json:"idle_conn_timeout,omitempty" yaml:"idle_conn_timeout,omitempty"`
	KeepAlive          Duration `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`
	DisableCompression bool     `json:"disable_compression,omitempty" yaml:"disable_compression,omitempty"`
}

// ServerConfig holds the inbound server timeouts.
type ServerConfig struct {
	ReadTimeout       Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	ReadHeaderTimeout Duration `json:"read_header_timeout,omitempty" yaml:"read_header_timeout,omitempty"`
	WriteTimeout      Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	IdleTimeout       Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	ShutdownTimeout   Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// TracingConfig enables OpenTelemetry tracing of proxied calls.
type TracingConfig struct {
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	// Exporter is "stdout" or "none".
	Exporter    string  `json:"exporter,omitempty" yaml:"exporter,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty" yaml:"sample_ratio,omitempty"`
}

// CORSConfig lists the origins allowed to call the gateway from a browser.
// "*" allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// RateLimitConfig limits proxied requests per client IP. A zero
// RequestsPerSecond disables limiting. /health and /metrics are never
// limited.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// RequestLogConfig enables the SQL journal of proxied calls. An empty Driver
// disables it.
type RequestLogConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver     string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN        string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	BufferSize int    `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("10s",
// "1m30s") in config files.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		s = ""
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
