package telemetry

import (
	"context"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	flowTransitions metric.Int64Counter
	flowOutcomes    metric.Int64Counter
	toolCalls       metric.Int64Counter
	toolDuration    metric.Int64Histogram
	activeSessions  metric.Int64UpDownCounter
	rateLimited     metric.Int64Counter
}

func logMetricInitError(name string, err error) {
	if err != nil {
		log.LogWarnWithFields("telemetry", "Failed to create instrument", map[string]any{
			"name":  name,
			"error": err.Error(),
		})
	}
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{}
	var err error

	m.flowTransitions, err = meter.Int64Counter(
		"gateway.flow.transitions",
		metric.WithDescription("Authorization flow state transitions"),
	)
	logMetricInitError("gateway.flow.transitions", err)

	m.flowOutcomes, err = meter.Int64Counter(
		"gateway.flow.outcomes",
		metric.WithDescription("Completed or failed authorization flows by result"),
	)
	logMetricInitError("gateway.flow.outcomes", err)

	m.toolCalls, err = meter.Int64Counter(
		"gateway.tool.calls",
		metric.WithDescription("Tool invocations by tool and outcome"),
	)
	logMetricInitError("gateway.tool.calls", err)

	m.toolDuration, err = meter.Int64Histogram(
		"gateway.tool.duration_ms",
		metric.WithDescription("Tool invocation latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError("gateway.tool.duration_ms", err)

	m.activeSessions, err = meter.Int64UpDownCounter(
		"gateway.sessions.active",
		metric.WithDescription("Open MCP protocol sessions"),
	)
	logMetricInitError("gateway.sessions.active", err)

	m.rateLimited, err = meter.Int64Counter(
		"gateway.ratelimit.rejected",
		metric.WithDescription("Requests rejected by the per-client rate limiter"),
	)
	logMetricInitError("gateway.ratelimit.rejected", err)

	return m
}

func (m *Metrics) FlowTransition(ctx context.Context, from, to string) {
	if m == nil || m.flowTransitions == nil {
		return
	}
	m.flowTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// FlowOutcome records "complete" or the error code a flow failed with.
func (m *Metrics) FlowOutcome(ctx context.Context, result string) {
	if m == nil || m.flowOutcomes == nil {
		return
	}
	m.flowOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) ToolCall(ctx context.Context, tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool), attribute.String("outcome", outcome))
	if m.toolCalls != nil {
		m.toolCalls.Add(ctx, 1, attrs)
	}
	if m.toolDuration != nil {
		m.toolDuration.Record(ctx, d.Milliseconds(), attrs)
	}
}

func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}

func (m *Metrics) RateLimited(ctx context.Context, path string) {
	if m == nil || m.rateLimited == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}
