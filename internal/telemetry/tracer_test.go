package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer_ExportsToWriter(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := initTracer("receptionist-test", true, &buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "call.transfer")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "call.transfer") {
		t.Fatalf("span not exported: %q", buf.String())
	}
}

func TestInitTracer_NoExporter(t *testing.T) {
	shutdown, err := InitTracer("receptionist-test", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span context")
	}
	span.End()
	_ = shutdown(context.Background())
}
