// Package proxy forwards inbound requests to their route's upstream through
// the route's circuit breaker.
//
// A proxied call covers the whole exchange: the request is sent and the
// upstream response body is read inside the breaker's call timeout, so a
// backend that stalls mid-body is treated like one that never answers.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferro-labs/edge-gateway/internal/circuitbreaker"
	"github.com/ferro-labs/edge-gateway/internal/logging"
	"github.com/ferro-labs/edge-gateway/internal/metrics"
	"github.com/ferro-labs/edge-gateway/internal/requestlog"
	"github.com/ferro-labs/edge-gateway/internal/routetable"
	"github.com/ferro-labs/edge-gateway/internal/tracing"
)

// Doer sends an outbound HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError marks an upstream response that was counted as a breaker
// failure. The response itself is still forwarded to the client.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %d", e.Code)
}

// Options configures an Engine.
type Options struct {
	// Metrics records per-route counters. Optional.
	Metrics *metrics.ProxyMetrics
	// RequestLog receives one entry per completed call. Optional.
	RequestLog requestlog.Recorder
	// Tracer and Propagator default to the global OpenTelemetry ones.
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator
}

// Target is one installed route: its prefix, resolved upstream base URL and
// the breaker gating calls to it.
type Target struct {
	Route   routetable.Route
	BaseURL *url.URL
	Breaker circuitbreaker.Breaker
	// TripOnServerError counts upstream 5xx responses as breaker failures.
	// Otherwise every upstream response, whatever its status, is a success.
	TripOnServerError bool
}

// Engine serves proxied routes. It is safe for concurrent use.
type Engine struct {
	client Doer
	opts   Options
}

// New returns an Engine sending requests with client.
func New(client Doer, opts Options) *Engine {
	if opts.Tracer == nil {
		opts.Tracer = tracing.Tracer()
	}
	if opts.Propagator == nil {
		opts.Propagator = otel.GetTextMapPropagator()
	}
	return &Engine{client: client, opts: opts}
}

// InstallRoute mounts t on router for every method, both on the prefix itself
// and on everything below it.
func (e *Engine) InstallRoute(router chi.Router, t Target) {
	h := e.Handler(t)
	router.Handle(t.Route.Prefix, h)
	router.Handle(t.Route.Prefix+routetable.Wildcard, h)
}

// Handler returns the http.Handler forwarding requests for t.
func (e *Engine) Handler(t Target) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.serve(w, r, t)
	})
}

// proxiedRequest is the inbound request as forwarded upstream.
type proxiedRequest struct {
	method string
	uri    string
	path   string
	body   []byte
	header http.Header
}

// upstreamResponse is a fully read upstream response.
type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
}

func (e *Engine) serve(w http.ResponseWriter, r *http.Request, t Target) {
	start := time.Now()
	route := t.Route.Prefix
	log := logging.FromContext(r.Context()).With("route", route, "upstream", t.Route.Upstream)

	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			log.Warn("reading request body", "error", err)
			e.record(r, route, http.StatusBadRequest, ErrTypeRequestBody, start)
			e.countError(route, ErrTypeRequestBody)
			writeError(w, http.StatusBadRequest, "reading request body: "+err.Error(), ErrTypeRequestBody)
			return
		}
		body = b
	}

	preq := proxiedRequest{
		method: r.Method,
		uri:    uri,
		path:   ForwardPath(route, uri),
		body:   body,
		header: endToEnd(r.Header),
	}
	setForwarded(preq.header, r)
	if id := logging.RequestIDFromContext(r.Context()); id != "" {
		preq.header.Set(logging.RequestIDHeader, id)
	}

	ctx, span := e.opts.Tracer.Start(r.Context(), "proxy "+route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("edgegw.route", route),
			attribute.String("edgegw.upstream", t.Route.Upstream),
			attribute.String("edgegw.breaker", t.Breaker.Name()),
			attribute.String("http.request.method", r.Method),
		),
	)
	defer span.End()

	res, err := circuitbreaker.Execute(ctx, t.Breaker, func(ctx context.Context) (*upstreamResponse, error) {
		return e.forward(ctx, t, preq)
	})

	var statusErr *StatusError
	if err != nil && !(errors.As(err, &statusErr) && res != nil) {
		errType, status := Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, errType)
		span.SetAttributes(attribute.String("edgegw.error_type", errType))

		e.countError(route, errType)
		e.record(r, route, status, errType, start)
		if errType == ErrTypeCanceled {
			log.Info("client went away", "error", err)
			w.WriteHeader(status)
			return
		}
		log.Warn("proxy call failed",
			"error_type", errType,
			"error", err,
			"breaker_state", t.Breaker.State().String(),
		)
		writeError(w, status, err.Error(), errType)
		return
	}

	span.SetAttributes(attribute.Int("http.response.status_code", res.status))
	var errType string
	if res.status >= http.StatusInternalServerError {
		errType = ErrTypeUpstreamStatus
		span.SetStatus(codes.Error, http.StatusText(res.status))
		e.countError(route, errType)
	}
	e.record(r, route, res.status, errType, start)
	log.Debug("proxied", "status", res.status, "uri", preq.uri, "forwarded", preq.path)
	writeUpstream(w, res)
}

// forward performs the upstream exchange for one admitted call.
func (e *Engine) forward(ctx context.Context, t Target, p proxiedRequest) (*upstreamResponse, error) {
	target, err := targetURL(t.BaseURL, p.path)
	if err != nil {
		return nil, fmt.Errorf("building upstream URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, p.method, target.String(), bytes.NewReader(p.body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header = p.header.Clone()
	if len(p.body) == 0 {
		req.Body = http.NoBody
		req.ContentLength = 0
	}
	e.opts.Propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	out := &upstreamResponse{status: resp.StatusCode, header: resp.Header, body: data}
	if t.TripOnServerError && resp.StatusCode >= http.StatusInternalServerError {
		return out, &StatusError{Code: resp.StatusCode}
	}
	return out, nil
}

// writeUpstream relays status, end-to-end headers and body to the client.
// Content-Type is passed through as-is, and is left unset rather than
// sniffed when the upstream sent none. Content-Length is recomputed by the
// server since the transport may have decoded the body.
func writeUpstream(w http.ResponseWriter, res *upstreamResponse) {
	h := w.Header()
	for k, vv := range endToEnd(res.header) {
		if k == "Content-Length" {
			continue
		}
		h[k] = append([]string(nil), vv...)
	}
	if res.header.Get("Content-Type") == "" {
		h["Content-Type"] = nil
	}
	w.WriteHeader(res.status)
	if len(res.body) > 0 {
		_, _ = w.Write(res.body)
	}
}

func (e *Engine) record(r *http.Request, route string, status int, errType string, start time.Time) {
	elapsed := time.Since(start)
	if m := e.opts.Metrics; m != nil {
		m.Requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.Duration.WithLabelValues(route).Observe(elapsed.Seconds())
	}
	if e.opts.RequestLog != nil {
		e.opts.RequestLog.Record(requestlog.Entry{
			RequestID: logging.RequestIDFromContext(r.Context()),
			Route:     route,
			Method:    r.Method,
			URI:       r.URL.RequestURI(),
			Status:    status,
			ErrorType: errType,
			Duration:  elapsed,
			CreatedAt: start,
		})
	}
}

func (e *Engine) countError(route, errType string) {
	if e.opts.Metrics == nil {
		return
	}
	e.opts.Metrics.Errors.WithLabelValues(route, errType).Inc()
}
