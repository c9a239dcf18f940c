// Package edgegateway is an HTTP edge gateway that forwards requests to
// backend services by path prefix.
//
// Every route gets its own circuit breaker (or one shared breaker when
// configured), so a failing backend is cut off quickly without affecting the
// others. The gateway also serves a JSON liveness endpoint on /health and a
// Prometheus text snapshot on /metrics.
//
// Routes and breaker settings are described by [Config], which can be loaded
// from a YAML or JSON file using [LoadConfig].
package edgegateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferro-labs/edge-gateway/internal/circuitbreaker"
	"github.com/ferro-labs/edge-gateway/internal/health"
	"github.com/ferro-labs/edge-gateway/internal/logging"
	"github.com/ferro-labs/edge-gateway/internal/metrics"
	"github.com/ferro-labs/edge-gateway/internal/proxy"
	"github.com/ferro-labs/edge-gateway/internal/ratelimit"
	"github.com/ferro-labs/edge-gateway/internal/requestlog"
	"github.com/ferro-labs/edge-gateway/internal/routetable"
	"github.com/ferro-labs/edge-gateway/internal/tracing"
	"github.com/ferro-labs/edge-gateway/internal/upstream"
)

// Fixed endpoints served by the gateway itself.
const (
	HealthPath  = "/health"
	MetricsPath = "/metrics"
)

// Option customises a Gateway.
type Option func(*options)

type options struct {
	client   proxy.Doer
	registry *metrics.Registry
	check    health.Checker
	tracer   trace.Tracer
	journal  requestlog.Recorder
}

// WithClient replaces the pooled upstream HTTP client.
func WithClient(c proxy.Doer) Option {
	return func(o *options) { o.client = c }
}

// WithRegistry uses reg instead of a fresh metrics registry.
func WithRegistry(reg *metrics.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithHealthCheck sets the body of the health check. By default the check
// always passes.
func WithHealthCheck(c health.Checker) Option {
	return func(o *options) { o.check = c }
}

// WithTracer sets the tracer for proxied calls and breaker transitions.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithRequestLog journals every completed proxied call to r. The caller owns
// r and closes it after the server has stopped.
func WithRequestLog(r requestlog.Recorder) Option {
	return func(o *options) { o.journal = r }
}

// Gateway is the assembled route table, breakers and handlers. It is
// immutable once built.
type Gateway struct {
	config   Config
	table    *routetable.Table
	registry *metrics.Registry
	pm       *metrics.ProxyMetrics
	engine   *proxy.Engine
	targets  []proxy.Target
	breakers map[string]circuitbreaker.Breaker
	limiter  *ratelimit.Store
	check    health.Checker
	tracer   trace.Tracer
}

// New validates cfg, applying defaults first, and builds a Gateway.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	ApplyDefaults(&cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = metrics.NewRegistry(cfg.Service)
	}
	if o.tracer == nil {
		o.tracer = tracing.Tracer()
	}
	uopts := upstreamOptions(cfg.Upstream)
	if o.client == nil {
		o.client = upstream.NewClient(uopts)
	}

	table, err := routeTable(cfg.Routes)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:   cfg,
		table:    table,
		registry: o.registry,
		pm:       o.registry.Proxy(),
		breakers: make(map[string]circuitbreaker.Breaker, table.Len()),
		check:    o.check,
		tracer:   o.tracer,
	}

	var shared circuitbreaker.Breaker
	if cfg.CircuitBreaker.Shared {
		shared = g.newBreaker(SharedBreakerName, nil)
	}

	// table.Routes() preserves cfg.Routes order one to one.
	for i, r := range table.Routes() {
		rc := cfg.Routes[i]
		base, err := upstream.Resolve(r.Upstream, uopts)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.Prefix, err)
		}

		b := shared
		if b == nil {
			b = g.newBreaker(r.Prefix, rc.CircuitBreaker)
		}
		trip := cfg.CircuitBreaker.TripOnServerError
		if rc.CircuitBreaker != nil && rc.CircuitBreaker.TripOnServerError != nil {
			trip = *rc.CircuitBreaker.TripOnServerError
		}

		g.breakers[r.Prefix] = b
		g.targets = append(g.targets, proxy.Target{
			Route:             r,
			BaseURL:           base,
			Breaker:           b,
			TripOnServerError: trip,
		})
	}

	if rl := cfg.RateLimit; rl.RequestsPerSecond > 0 {
		g.limiter = ratelimit.NewStore(rl.RequestsPerSecond, float64(rl.Burst))
	}

	g.engine = proxy.New(o.client, proxy.Options{
		Metrics:    g.pm,
		Tracer:     o.tracer,
		RequestLog: o.journal,
	})
	return g, nil
}

// breakerSettings merges a route override onto the global breaker settings.
func (g *Gateway) breakerSettings(override *BreakerOverride) circuitbreaker.Settings {
	cb := g.config.CircuitBreaker
	s := circuitbreaker.Settings{
		MaxFailures:       cb.MaxFailures,
		CallTimeout:       cb.CallTimeout.Std(),
		ResetTimeout:      cb.ResetTimeout.Std(),
		HalfOpenMaxTrials: cb.HalfOpenMaxTrials,
		OnStateChange:     g.onStateChange,
	}
	if override == nil {
		return s
	}
	if override.MaxFailures > 0 {
		s.MaxFailures = override.MaxFailures
	}
	if override.CallTimeout > 0 {
		s.CallTimeout = override.CallTimeout.Std()
	}
	if override.ResetTimeout > 0 {
		s.ResetTimeout = override.ResetTimeout.Std()
	}
	if override.HalfOpenMaxTrials > 0 {
		s.HalfOpenMaxTrials = override.HalfOpenMaxTrials
	}
	return s
}

func (g *Gateway) newBreaker(name string, override *BreakerOverride) circuitbreaker.Breaker {
	s := g.breakerSettings(override)
	var b circuitbreaker.Breaker
	if g.config.CircuitBreaker.Engine == EngineGobreaker {
		b = circuitbreaker.NewGoBreaker(name, s)
	} else {
		b = circuitbreaker.New(name, s)
	}
	g.pm.BreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	return b
}

// onStateChange runs after every committed breaker transition. gobreaker
// calls it with its mutex held, so it must not call back into the breaker.
func (g *Gateway) onStateChange(name string, from, to circuitbreaker.State) {
	g.pm.BreakerState.WithLabelValues(name).Set(float64(to))
	g.pm.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()

	log := logging.Logger.With("breaker", name, "from", from.String(), "to", to.String())
	if to == circuitbreaker.StateOpen {
		log.Warn("circuit breaker opened")
	} else {
		log.Info("circuit breaker state change")
	}

	_, span := g.tracer.Start(context.Background(), "circuit_breaker.state_change")
	span.AddEvent("state_change", trace.WithAttributes(
		attribute.String("edgegw.breaker", name),
		attribute.String("edgegw.breaker.from", from.String()),
		attribute.String("edgegw.breaker.to", to.String()),
	))
	span.End()
}

// Handler builds the gateway's HTTP handler: /health, /metrics and one
// proxied subtree per route.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(logging.AccessLog)
	if len(g.config.CORS.AllowedOrigins) > 0 {
		r.Use(corsMiddleware(g.config.CORS.AllowedOrigins...))
	}

	r.Get(HealthPath, health.Handler(g.registry, g.check))
	r.Get(MetricsPath, metrics.Handler(g.registry))

	r.Group(func(r chi.Router) {
		if g.limiter != nil {
			r.Use(ratelimit.Middleware(g.limiter, ratelimit.ClientIP, g.rateLimited))
		}
		for _, t := range g.targets {
			g.engine.InstallRoute(r, t)
		}
	})
	return r
}

func (g *Gateway) rateLimited(r *http.Request) {
	route, _ := g.table.Match(r.URL.Path)
	g.pm.Requests.WithLabelValues(route.Prefix, r.Method, "429").Inc()
	g.pm.Errors.WithLabelValues(route.Prefix, "rate_limited").Inc()
	logging.FromContext(r.Context()).Warn("rate limited", "route", route.Prefix, "client", ratelimit.ClientIP(r))
}

// Config returns the effective configuration, defaults included.
func (g *Gateway) Config() Config { return g.config }

// Registry returns the metrics registry the gateway records into.
func (g *Gateway) Registry() *metrics.Registry { return g.registry }

// Routes returns the installed routes in order.
func (g *Gateway) Routes() []routetable.Route { return g.table.Routes() }

// Match returns the route serving uri and the part of it forwarded upstream.
// uri may carry a query string.
func (g *Gateway) Match(uri string) (routetable.Route, string, bool) {
	path := uri
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	r, ok := g.table.Match(path)
	if !ok {
		return routetable.Route{}, "", false
	}
	return r, proxy.ForwardPath(r.Prefix, uri), true
}

// Breaker returns the breaker guarding the route with the given prefix.
func (g *Gateway) Breaker(prefix string) (circuitbreaker.Breaker, bool) {
	p, err := routetable.NormalizePrefix(prefix)
	if err != nil {
		return nil, false
	}
	b, ok := g.breakers[p]
	return b, ok
}
