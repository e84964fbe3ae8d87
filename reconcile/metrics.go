package reconcile

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "tasksync/reconcile"
	syncSpanName    = "reconcile.sync"
	syncEventName   = "sync.pass"
	syncMetricsMsg  = "sync.pass.metrics"
	outcomeOK       = "ok"
	outcomeOffline  = "offline"
	outcomePartial  = "partial"
	outcomeNoRemote = "remote_unavailable"
)

var (
	syncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_sync_passes_total",
			Help: "Sync passes by outcome",
		},
		[]string{"outcome"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_uploads_total",
			Help: "Task uploads to the remote store by status",
		},
		[]string{"status"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tasksync_sync_duration_seconds",
			Help:    "Duration of sync passes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)

type syncMetrics struct {
	logger *log.Logger
	span   trace.Span
}

func newSyncMetrics(ctx context.Context, logger *log.Logger) (*syncMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, syncSpanName, trace.WithSpanKind(trace.SpanKindInternal))
	return &syncMetrics{logger: logger, span: span}, spanCtx
}

func outcomeOf(rep Report) string {
	switch {
	case !rep.Online:
		return outcomeOffline
	case rep.RemoteErr != nil:
		return outcomeNoRemote
	case !rep.Converged():
		return outcomePartial
	default:
		return outcomeOK
	}
}

// Finish logs the pass, records it on the span and updates the counters.
func (m *syncMetrics) Finish(rep Report) {
	if m == nil {
		return
	}
	outcome := outcomeOf(rep)
	syncPasses.WithLabelValues(outcome).Inc()
	syncDuration.Observe(rep.Duration.Seconds())

	attrs := []attribute.KeyValue{
		attribute.String("tasksync.sync.outcome", outcome),
		attribute.Bool("tasksync.sync.online", rep.Online),
		attribute.Int("tasksync.sync.local_count", rep.LocalCount),
		attribute.Int("tasksync.sync.remote_count", rep.RemoteCount),
		attribute.Int("tasksync.sync.pulled", rep.Pulled),
		attribute.Int("tasksync.sync.uploaded", rep.Uploaded),
		attribute.Int("tasksync.sync.upload_failures", rep.UploadFailures),
		attribute.Int("tasksync.sync.deferred", rep.Deferred),
		attribute.Int("tasksync.sync.local_write_failures", rep.LocalWriteFailures),
		attribute.Int("tasksync.sync.tasks", len(rep.Tasks)),
		attribute.Float64("tasksync.sync.total_ms", durationToMillis(rep.Duration)),
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(syncEventName, trace.WithAttributes(attrs...))
		switch {
		case rep.RemoteErr != nil:
			m.span.RecordError(rep.RemoteErr)
			m.span.SetStatus(codes.Error, rep.RemoteErr.Error())
		case rep.LocalErr != nil:
			m.span.RecordError(rep.LocalErr)
			m.span.SetStatus(codes.Error, rep.LocalErr.Error())
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"outcome":              outcome,
		"online":               rep.Online,
		"local_count":          rep.LocalCount,
		"remote_count":         rep.RemoteCount,
		"pulled":               rep.Pulled,
		"uploaded":             rep.Uploaded,
		"upload_failures":      rep.UploadFailures,
		"deferred":             rep.Deferred,
		"local_write_failures": rep.LocalWriteFailures,
		"tasks":                len(rep.Tasks),
		"total_ms":             durationToMillis(rep.Duration),
	}
	if rep.RemoteErr != nil {
		fields["remote_error"] = rep.RemoteErr.Error()
	}
	if rep.LocalErr != nil {
		fields["local_error"] = rep.LocalErr.Error()
	}
	entry := m.logger.WithFields(fields)
	if outcome == outcomeOK || outcome == outcomeOffline {
		entry.Info(syncMetricsMsg)
		return
	}
	entry.Warn(syncMetricsMsg)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
