package reconcile

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"tasksync/domain"
)

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestSyncEmitsSpanAndLogEntry(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	local := newFakeStore(false, task("a", "one", 1, false))
	remote := newFakeStore(true, task("r", "two", 2, true))
	e := New(local, remote, newFakeConn(true), logger, Options{Location: time.UTC})

	e.Sync(context.Background())

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Message != syncMetricsMsg {
		t.Fatalf("expected %s log entry, got %#v", syncMetricsMsg, entry)
	}
	if entry.Level != log.InfoLevel {
		t.Fatalf("unexpected level: %v", entry.Level)
	}
	if entry.Data["outcome"] != outcomeOK || entry.Data["uploaded"] != 1 || entry.Data["pulled"] != 1 {
		t.Fatalf("unexpected fields: %v", entry.Data)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != syncSpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", span.Status.Code)
	}
	attrs := attributesToMap(span.Attributes)
	if attrs["tasksync.sync.uploaded"] != int64(1) || attrs["tasksync.sync.online"] != true {
		t.Fatalf("unexpected span attributes: %v", attrs)
	}
	var found bool
	for _, ev := range span.Events {
		if ev.Name == syncEventName {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s span event, got %#v", syncEventName, span.Events)
	}
}

func TestSyncRemoteFailureMarksSpanError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	remote := newFakeStore(true)
	remote.getAllErr = domain.ErrRemoteUnavailable
	e := New(newFakeStore(false), remote, newFakeConn(true), logger, Options{})

	e.Sync(context.Background())
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description == "" {
		t.Fatalf("expected error status, got %+v", spans[0].Status)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel || entry.Data["outcome"] != outcomeNoRemote {
		t.Fatalf("unexpected log entry: %#v", entry)
	}
	if _, ok := entry.Data["remote_error"]; !ok {
		t.Fatalf("expected remote_error field")
	}
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name string
		rep  Report
		want string
	}{
		{name: "offline", rep: Report{}, want: outcomeOffline},
		{name: "remote", rep: Report{Online: true, RemoteErr: domain.ErrRemoteUnavailable}, want: outcomeNoRemote},
		{name: "partial", rep: Report{Online: true, UploadFailures: 1}, want: outcomePartial},
		{name: "deferred", rep: Report{Online: true, Deferred: 2}, want: outcomePartial},
		{name: "ok", rep: Report{Online: true}, want: outcomeOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outcomeOf(tt.rep); got != tt.want {
				t.Fatalf("outcomeOf = %s, want %s", got, tt.want)
			}
		})
	}
}
