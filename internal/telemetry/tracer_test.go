package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"ChainProbe/pkg/logger"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(Config{}, nil)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(Config{Enabled: true, ServiceName: "chainprobe-test", Writer: &buf}, logger.Discard())
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "probe")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "probe") {
		t.Fatalf("expected exported span, got %q", buf.String())
	}
}
