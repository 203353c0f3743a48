package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// level are controlled via the context set up by log.Context during
	// daemon startup. Every entry is tagged with the project/agent
	// identity carried on ctx via WithProjectID/WithAgentPubkey, if set,
	// so call sites routing an event don't have to pass it by hand.
	ClueLogger struct{}

	// ClueMetrics delegates to the OpenTelemetry MeterProvider, scoped
	// to one named component of the daemon (e.g. "daemon", "executor",
	// "cluster") so instrumentation from different subsystems doesn't
	// collide under a single meter name.
	ClueMetrics struct {
		meter metric.Meter
	}

	// ClueTracer delegates to the OpenTelemetry TracerProvider, scoped
	// the same way as ClueMetrics.
	ClueTracer struct {
		tracer trace.Tracer
	}

	clueSpan struct {
		span trace.Span
	}
)

const instrumentationPrefix = "tenexd"

// NewClueLogger returns a Logger backed by goa.design/clue/log.
func NewClueLogger() Logger { return ClueLogger{} }

// NewClueMetrics returns a Metrics recorder for the named component,
// backed by the global OTEL meter provider.
func NewClueMetrics(component string) Metrics {
	return &ClueMetrics{meter: otel.Meter(instrumentationPrefix + "/" + component)}
}

// NewClueTracer returns a Tracer for the named component, backed by the
// global OTEL tracer provider.
func NewClueTracer(component string) Tracer {
	return &ClueTracer{tracer: otel.Tracer(instrumentationPrefix + "/" + component)}
}

func (ClueLogger) Debug(ctx context.Context, msg string, kv ...any) {
	log.Debug(ctx, fielders(ctx, msg, kv)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, kv ...any) {
	log.Info(ctx, fielders(ctx, msg, kv)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, kv ...any) {
	log.Warn(ctx, append(fielders(ctx, msg, kv), log.KV{K: "severity", V: "warning"})...)
}

func (ClueLogger) Error(ctx context.Context, msg string, kv ...any) {
	log.Error(ctx, nil, fielders(ctx, msg, kv)...)
}

func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *ClueMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), d.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// RecordGauge records a point-in-time value. OTEL has no synchronous gauge
// instrument, so this rides on a histogram named name+"_gauge"; a dashboard
// reads its most recent bucket as the gauge value.
func (m *ClueMetrics) RecordGauge(name string, value float64, tags ...string) {
	h, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (t *ClueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	if attrs := identityAttrs(ctx); len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return newCtx, &clueSpan{span: span}
}

func (t *ClueTracer) Span(ctx context.Context) Span {
	return &clueSpan{span: trace.SpanFromContext(ctx)}
}

func (s *clueSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

func (s *clueSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *clueSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// fielders converts a message plus variadic key/value pairs into Clue
// log.Fielder values, prefixed with whatever project/agent identity ctx
// carries. An odd-length kv tail is paired with a nil value. Identity
// fields are only added when kv doesn't already name that key, so an
// explicit call-site "project", x always wins over the ambient one.
func fielders(ctx context.Context, msg string, kv []any) []log.Fielder {
	fielders := []log.Fielder{log.KV{K: "msg", V: msg}}
	fielders = append(fielders, identityFielders(ctx, kv)...)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		var val any
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		fielders = append(fielders, log.KV{K: key, V: val})
	}
	return fielders
}

func identityFielders(ctx context.Context, kv []any) []log.Fielder {
	var out []log.Fielder
	if projectID, ok := ProjectIDFromContext(ctx); ok && !kvHasKey(kv, "project") {
		out = append(out, log.KV{K: "project", V: projectID})
	}
	if agent, ok := AgentPubkeyFromContext(ctx); ok && !kvHasKey(kv, "agent") {
		out = append(out, log.KV{K: "agent", V: agent})
	}
	return out
}

func identityAttrs(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if projectID, ok := ProjectIDFromContext(ctx); ok {
		attrs = append(attrs, attribute.String("project", projectID))
	}
	if agent, ok := AgentPubkeyFromContext(ctx); ok {
		attrs = append(attrs, attribute.String("agent", agent))
	}
	return attrs
}

func kvHasKey(kv []any, key string) bool {
	for i := 0; i < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			return true
		}
	}
	return false
}

func tagAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func kvToAttrs(kv []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(kv); i += 2 {
		key, _ := kv[i].(string)
		var val any
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		switch v := val.(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		default:
			attrs = append(attrs, attribute.String(key, ""))
		}
	}
	return attrs
}
