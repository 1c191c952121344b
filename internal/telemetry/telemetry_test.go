package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func TestInitUsesConfiguredEndpointAndResourceAttributes(t *testing.T) {
	originalVersion := ServiceVersion
	ServiceVersion = "v1.2.3-test"
	defer func() { ServiceVersion = originalVersion }()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("GCAUTH_ENV", "prod")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, enabled, err := Init(context.Background(), Settings{Endpoint: "localhost:4318"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if !enabled {
		t.Fatal("expected telemetry enabled")
	}

	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want environment endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "startup")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "prod")
}

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	called := false
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		called = true
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, enabled, err := Init(context.Background(), Settings{})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if enabled || called {
		t.Fatalf("enabled=%v factory called=%v, want neither", enabled, called)
	}
	shutdown()
}

func TestEndpointPrecedence(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if got := resolveEndpoint(" localhost:4318 "); got != "localhost:4318" {
		t.Fatalf("config endpoint = %q", got)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://env:4318")
	if got := resolveEndpoint("localhost:4318"); got != "http://env:4318" {
		t.Fatalf("env endpoint = %q", got)
	}

	restore := setEndpointOverrideForTest("http://flag:4318")
	defer restore()
	if got := resolveEndpoint("localhost:4318"); got != "http://flag:4318" {
		t.Fatalf("override endpoint = %q", got)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	if got := normalizeEndpoint("localhost:4318"); got != "http://localhost:4318" {
		t.Fatalf("normalize host:port = %q", got)
	}
	if got := normalizeEndpoint("https://otel.example.com"); got != "https://otel.example.com" {
		t.Fatalf("normalize url = %q", got)
	}
}

func TestInitReturnsExporterErrorsWithoutFallback(t *testing.T) {
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	shutdown, _, err := Init(context.Background(), Settings{Endpoint: "localhost:4318"})
	if err == nil {
		t.Fatal("expected exporter error")
	}
	if shutdown != nil {
		t.Fatal("shutdown must be nil when init fails")
	}
}

func TestInitFallsBackToConsoleExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	var out bytes.Buffer
	shutdown, enabled, err := Init(context.Background(), Settings{Endpoint: "localhost:4318", Fallback: &out})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if !enabled {
		t.Fatal("expected telemetry enabled with fallback exporter")
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "harness.run")
	span.AddEvent("url.surfaced")
	span.End()
	shutdown()

	if !strings.Contains(out.String(), "[SPAN] harness.run") || !strings.Contains(out.String(), "[EVENT] url.surfaced") {
		t.Fatalf("console exporter output = %q", out.String())
	}
}

func TestBatchConfigConstants(t *testing.T) {
	if BatchSize != 512 {
		t.Fatalf("BatchSize = %d, want 512", BatchSize)
	}
	if BatchTimeout != 5*time.Second {
		t.Fatalf("BatchTimeout = %s, want 5s", BatchTimeout)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("GCAUTH_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "dev")

	if got := resolveEnvironment(); got != "dev" {
		t.Fatalf("environment = %q, want dev", got)
	}
}
