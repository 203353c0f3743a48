// Package telemetry defines the logging, metrics, and tracing interfaces used
// throughout the daemon. Components depend on these interfaces rather than a
// concrete backend so they can be unit tested with the Noop implementations
// and wired to Clue/OpenTelemetry in production.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured key/value log entries. Keys must be strings;
	// values are formatted by the concrete backend.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags are flattened
	// key/value string pairs forming metric dimensions.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, d time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans and retrieves the current span from a context.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is a narrow view over an OpenTelemetry span sufficient for
	// annotating routing decisions, executor turns, and tool calls.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

type identityKey struct{ name string }

var (
	projectIDKey = identityKey{"project_id"}
	agentKey     = identityKey{"agent_pubkey"}
)

// WithProjectID stashes the project coordinate a turn is running under so
// every Logger/Tracer call downstream can tag itself without the caller
// threading "project", coordinate through every log/span call by hand.
// The daemon sets this once per dispatched event, at the boundary where the
// coordinate is resolved (internal/daemon's ingest/process).
func WithProjectID(ctx context.Context, coordinate string) context.Context {
	return context.WithValue(ctx, projectIDKey, coordinate)
}

// ProjectIDFromContext returns the coordinate set by WithProjectID, if any.
func ProjectIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(projectIDKey).(string)
	return v, ok
}

// WithAgentPubkey stashes the agent identity an executor turn is running
// as, mirroring WithProjectID. Set once per turn by internal/daemon's
// dispatch, before it runs the executor.
func WithAgentPubkey(ctx context.Context, pubkey string) context.Context {
	return context.WithValue(ctx, agentKey, pubkey)
}

// AgentPubkeyFromContext returns the pubkey set by WithAgentPubkey, if any.
func AgentPubkeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(agentKey).(string)
	return v, ok
}
