package edgegateway

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/edge-gateway/internal/circuitbreaker"
	"github.com/ferro-labs/edge-gateway/internal/requestlog"
	"github.com/ferro-labs/edge-gateway/internal/routetable"
	"github.com/ferro-labs/edge-gateway/internal/tracing"
	"github.com/ferro-labs/edge-gateway/internal/upstream"
)

// DefaultService is the service label used when Config.Service is empty.
const DefaultService = "api-gateway"

// SharedBreakerName names the breaker used by every route when
// circuit_breaker.shared is set.
const SharedBreakerName = "service-circuit-breaker"

//go:embed config.schema.json
var configSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", strings.NewReader(configSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("config.schema.json")
	})
	return schema, schemaErr
}

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). The document is
// checked against the config schema before it is decoded.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		asJSON, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("converting YAML config: %w", err)
		}
		if err := validateSchema(asJSON); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := validateSchema(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

func validateSchema(data []byte) error {
	s, err := configSchema()
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parsing JSON config: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

// DefaultConfig returns the built-in route set used when no config file is
// given.
func DefaultConfig() Config {
	cfg := Config{
		Routes: []RouteConfig{
			{Prefix: "/service/*", Upstream: "service"},
			{Prefix: "/terapia/*", Upstream: "terapia"},
			{Prefix: "/diario-clinico/*", Upstream: "diario-clinico"},
			{Prefix: "/anamnesi-pregressa/*", Upstream: "anamnesi-pregressa"},
		},
	}
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}

	cb := &cfg.CircuitBreaker
	if cb.Engine == "" {
		cb.Engine = EngineNative
	}
	if cb.MaxFailures == 0 {
		cb.MaxFailures = circuitbreaker.DefaultMaxFailures
	}
	if cb.CallTimeout == 0 {
		cb.CallTimeout = Duration(circuitbreaker.DefaultCallTimeout)
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = Duration(circuitbreaker.DefaultResetTimeout)
	}
	if cb.HalfOpenMaxTrials == 0 {
		cb.HalfOpenMaxTrials = circuitbreaker.DefaultHalfOpenMaxTrials
	}

	def := upstream.DefaultOptions()
	up := &cfg.Upstream
	if up.Scheme == "" {
		up.Scheme = def.Scheme
	}
	if up.DefaultPort == 0 {
		up.DefaultPort = def.DefaultPort
	}
	if up.MaxConnsPerHost == 0 {
		up.MaxConnsPerHost = def.MaxConnsPerHost
	}
	if up.MaxIdleConns == 0 {
		up.MaxIdleConns = def.MaxIdleConns
	}
	if up.ConnectTimeout == 0 {
		up.ConnectTimeout = Duration(def.ConnectTimeout)
	}
	if up.IdleConnTimeout == 0 {
		up.IdleConnTimeout = Duration(def.IdleConnTimeout)
	}
	if up.KeepAlive == 0 {
		up.KeepAlive = Duration(def.KeepAlive)
	}

	srv := &cfg.Server
	if srv.ReadHeaderTimeout == 0 {
		srv.ReadHeaderTimeout = Duration(10 * time.Second)
	}
	if srv.ReadTimeout == 0 {
		srv.ReadTimeout = Duration(30 * time.Second)
	}
	if srv.WriteTimeout == 0 {
		srv.WriteTimeout = Duration(60 * time.Second)
	}
	if srv.IdleTimeout == 0 {
		srv.IdleTimeout = Duration(120 * time.Second)
	}
	if srv.ShutdownTimeout == 0 {
		srv.ShutdownTimeout = Duration(15 * time.Second)
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = tracing.ExporterNone
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ValidateConfig validates a Config for correctness. Unset fields are
// accepted since ApplyDefaults fills them.
func ValidateConfig(cfg Config) error {
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}

	table, err := routeTable(cfg.Routes)
	if err != nil {
		return err
	}
	for _, r := range table.Routes() {
		for _, reserved := range []string{HealthPath, MetricsPath} {
			if r.Matches(reserved) || (routetable.Route{Prefix: reserved}).Matches(r.Prefix) {
				return fmt.Errorf("route %s overlaps the reserved %s endpoint", r.Prefix, reserved)
			}
		}
	}

	opts := upstreamOptions(cfg.Upstream)
	for _, r := range cfg.Routes {
		if _, err := upstream.Resolve(r.Upstream, opts); err != nil {
			return fmt.Errorf("route %s: %w", r.Prefix, err)
		}
		if o := r.CircuitBreaker; o != nil {
			if o.MaxFailures < 0 || o.HalfOpenMaxTrials < 0 || o.CallTimeout < 0 || o.ResetTimeout < 0 {
				return fmt.Errorf("route %s: circuit breaker override has negative values", r.Prefix)
			}
			if cfg.CircuitBreaker.Shared {
				return fmt.Errorf("route %s: per-route circuit breaker settings conflict with a shared breaker", r.Prefix)
			}
		}
	}

	cb := cfg.CircuitBreaker
	switch cb.Engine {
	case "", EngineNative, EngineGobreaker:
	default:
		return fmt.Errorf("unknown circuit breaker engine: %q", cb.Engine)
	}
	if cb.MaxFailures < 0 || cb.HalfOpenMaxTrials < 0 || cb.CallTimeout < 0 || cb.ResetTimeout < 0 {
		return errors.New("circuit breaker settings must not be negative")
	}

	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return errors.New("rate limit settings must not be negative")
	}

	switch rl := cfg.RequestLog; rl.Driver {
	case "", requestlog.DriverSQLite:
	case requestlog.DriverPostgres:
		if rl.DSN == "" {
			return errors.New("request_log.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown request log driver: %q", rl.Driver)
	}
	if cfg.RequestLog.BufferSize < 0 {
		return errors.New("request_log.buffer_size must not be negative")
	}

	switch cfg.Tracing.Exporter {
	case "", tracing.ExporterNone, tracing.ExporterStdout:
	default:
		return fmt.Errorf("unknown trace exporter: %q", cfg.Tracing.Exporter)
	}
	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("tracing sample_ratio %v out of range [0, 1]", r)
	}

	return nil
}

func routeTable(routes []RouteConfig) (*routetable.Table, error) {
	table := &routetable.Table{}
	for _, r := range routes {
		if err := table.Add(routetable.Route{Prefix: r.Prefix, Upstream: r.Upstream}); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func upstreamOptions(c UpstreamConfig) upstream.Options {
	return upstream.Options{
		Scheme:              c.Scheme,
		DefaultPort:         c.DefaultPort,
		MaxConnsPerHost:     c.MaxConnsPerHost,
		MaxIdleConns:        c.MaxIdleConns,
		MaxIdleConnsPerHost: c.MaxConnsPerHost,
		ConnectTimeout:      c.ConnectTimeout.Std(),
		IdleConnTimeout:     c.IdleConnTimeout.Std(),
		KeepAlive:           c.KeepAlive.Std(),
		DisableCompression:  c.DisableCompression,
	}
}
