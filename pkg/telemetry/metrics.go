package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// TracerName is the instrumentation scope of engine spans and metrics.
const TracerName = "polis.pipeline"

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	nodeExecutionCounter metric.Int64Counter
	nodeBackoffCounter   metric.Int64Counter
	nodeFailureCounter   metric.Int64Counter
	nodeCancelledCounter metric.Int64Counter
	nodeLatencyHistogram metric.Float64Histogram
	lazyExpansionCounter metric.Int64Counter
)

// NodeMetrics captures the fields needed to record the outcome of one Exec
// run.
type NodeMetrics struct {
	PipelineID string
	NodePath   string
	// Status is the terminal status of the run; pending for runs cancelled
	// by reset or skip.
	Status    domain.Status
	ErrorKind domain.ErrorKind
	Lazy      bool
	Duration  time.Duration
	// Backoffs counts acquire attempts refused for lack of capacity.
	Backoffs int
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.String("node.path", metrics.NodePath),
		attribute.String("node.status", string(metrics.Status)),
		attribute.Bool("node.lazy", metrics.Lazy),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Backoffs > 0 {
		nodeBackoffCounter.Add(ctx, int64(metrics.Backoffs), metric.WithAttributes(attrs...))
	}

	switch metrics.Status {
	case domain.StatusError:
		kind := metrics.ErrorKind
		if kind == "" {
			kind = domain.ErrorKindExecution
		}
		nodeFailureCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.kind", string(kind)))...))
	case domain.StatusPending:
		nodeCancelledCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordLazyExpansion counts the outcome of splicing a generated subtree.
func RecordLazyExpansion(ctx context.Context, pipelineID, path string, nodes int, err error) {
	if ensureMetrics() != nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "invalid"
	}
	lazyExpansionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.id", pipelineID),
		attribute.String("node.path", path),
		attribute.String("outcome", outcome),
		attribute.Int("nodes", nodes),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(TracerName)

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.node.executions_total",
			metric.WithDescription("Exec node runs partitioned by resulting status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeBackoffCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.node.backoffs_total",
			metric.WithDescription("Container acquisitions refused for lack of capacity"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeFailureCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.node.failures_total",
			metric.WithDescription("Exec node runs ending in error, by error kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeCancelledCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.node.cancelled_total",
			metric.WithDescription("Exec node runs cancelled by reset or skip"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		lazyExpansionCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.lazy.expansions_total",
			metric.WithDescription("Generated subtrees spliced into the tree"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"pipeline.node.duration_ms",
			metric.WithDescription("Observed Exec command latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordRunEvent attaches the outcome of an Exec run to its span. Output is
// never recorded, only its size.
func RecordRunEvent(span trace.Span, run domain.Run) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("run.number", run.Number),
		attribute.String("run.status", string(run.Status)),
		attribute.Int("run.exit_code", run.ExitCode),
		attribute.Int("run.attempts", run.Attempts),
		attribute.Int("run.stdout.bytes", len(run.Stdout)),
		attribute.Int("run.stderr.bytes", len(run.Stderr)),
	}
	if run.ContainerID != "" {
		attrs = append(attrs, attribute.String("container.id", run.ContainerID))
	}
	if run.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error.kind", string(run.ErrorKind)))
	}

	span.AddEvent("node.run", trace.WithAttributes(attrs...))
}
