package doord

import (
	"context"
	"net/http"
	"testing"

	"pkt.systems/pslog"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		in   string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:5555", otlpTarget{protocol: "grpc", endpoint: "collector:5555", insecure: true}},
		{"grpcs://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{"http://collector/v1/traces/", otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{"https://collector:443", otlpTarget{protocol: "http", endpoint: "collector:443"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.in)
		if err != nil {
			t.Fatalf("resolve %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("resolve %q: got %+v want %+v", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "ftp://collector"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), "", "", "", false, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if bundle != nil {
		t.Fatalf("expected nil bundle when telemetry is disabled")
	}
	if bundle.TracingEnabled() {
		t.Fatalf("nil bundle must report tracing disabled")
	}
	if err := bundle.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestSetupTelemetryMetricsEndpoint(t *testing.T) {
	ctx := context.Background()
	bundle, err := setupTelemetry(ctx, "", "127.0.0.1:0", "", false, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer bundle.Shutdown(ctx)
	addr := bundle.MetricsAddr()
	if addr == nil {
		t.Fatalf("metrics listener missing")
	}
	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestSetupTelemetryProfilingNeedsMetrics(t *testing.T) {
	if _, err := setupTelemetry(context.Background(), "", "", "", true, pslog.NoopLogger()); err == nil {
		t.Fatalf("expected error when profiling metrics lack a listener")
	}
}
