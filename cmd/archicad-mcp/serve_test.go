package main

import (
	"testing"

	"github.com/Boti-Ormandi/archicad-mcp/internal/config"
)

func TestSidecarConfig(t *testing.T) {
	tests := []struct {
		name     string
		obs      *config.ObservabilityConfig
		wantOn   bool
		wantAddr string
	}{
		{"no observability", nil, false, ""},
		{
			"tracing only still serves health endpoints",
			&config.ObservabilityConfig{Tracing: &config.TracingConfig{Enabled: true}},
			true, "127.0.0.1:9464",
		},
		{
			"metrics with explicit address",
			&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true, ListenAddr: "127.0.0.1:9999"}},
			true, "127.0.0.1:9999",
		},
		{
			"metrics without address falls back to default",
			&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}},
			true, "127.0.0.1:9464",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, on := sidecarConfig(tc.obs)
			if on != tc.wantOn {
				t.Fatalf("on = %v, want %v", on, tc.wantOn)
			}
			if got.ListenAddr != tc.wantAddr {
				t.Errorf("ListenAddr = %q, want %q", got.ListenAddr, tc.wantAddr)
			}
		})
	}
}
