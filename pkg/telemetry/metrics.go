package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	nodeExecutionCounter    metric.Int64Counter
	nodeEvaluatorErrCounter metric.Int64Counter
	profileExecutionCounter metric.Int64Counter
	nodeLatencyHistogram    metric.Float64Histogram
	profileLatencyHistogram metric.Float64Histogram
)

// Node outcomes recorded on node metrics.
const (
	OutcomeOK             = "ok"
	OutcomeEvaluatorError = "evaluator_error"
	OutcomeRuntimeError   = "runtime_error"
)

// NodeMetrics captures the fields needed to record node telemetry metrics.
type NodeMetrics struct {
	ProfileID string
	NodeID    string
	NodeKind  string
	// Mechanism is the defense, operator, action or observation type of the node.
	Mechanism string
	Outcome   string
	OnDemand  bool
	Duration  time.Duration
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("profile.id", metrics.ProfileID),
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.kind", metrics.NodeKind),
		attribute.String("node.mechanism", metrics.Mechanism),
		attribute.String("node.outcome", metrics.Outcome),
		attribute.Bool("node.on_demand", metrics.OnDemand),
	)

	nodeExecutionCounter.Add(ctx, 1, attrs)
	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), attrs)
	}
	if metrics.Outcome == OutcomeEvaluatorError {
		nodeEvaluatorErrCounter.Add(ctx, 1, attrs)
	}
}

// ProfileMetrics captures one profile execution.
type ProfileMetrics struct {
	ProfileID string
	Action    string
	ErrorKind string
	Nodes     int
	Duration  time.Duration
}

// RecordProfileMetrics emits the profile execution counter and latency histogram.
func RecordProfileMetrics(ctx context.Context, metrics ProfileMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("profile.id", metrics.ProfileID),
		attribute.String("decision.action", metrics.Action),
		attribute.String("error.kind", metrics.ErrorKind),
	)
	profileExecutionCounter.Add(ctx, 1, attrs)
	profileLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), attrs)
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("defense.engine")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"defense.node.executions_total",
			metric.WithDescription("Graph node executions partitioned by kind and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeEvaluatorErrCounter, metricsInitErr = meter.Int64Counter(
			"defense.node.evaluator_errors_total",
			metric.WithDescription("Capability failures absorbed into neutral node results"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		profileExecutionCounter, metricsInitErr = meter.Int64Counter(
			"defense.profile.executions_total",
			metric.WithDescription("Profile executions partitioned by action and error kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"defense.node.duration_ms",
			metric.WithDescription("Observed node execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		profileLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"defense.profile.duration_ms",
			metric.WithDescription("Observed profile execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordDecisionEvent attaches the coarse outcome of an evaluation to the span without
// leaking request content.
func RecordDecisionEvent(span trace.Span, action string, score float64, flags []string, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("decision.action", action),
		attribute.Float64("decision.score", score),
		attribute.StringSlice("decision.flags", flags),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("decision.reason", reason))
	}

	span.AddEvent("defense.decision", trace.WithAttributes(attrs...))
}
