package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProbeURL(t *testing.T) {
	tests := []struct {
		override, addr, want string
	}{
		{"", "", "http://localhost:8080/healthz"},
		{"", ":9090", "http://localhost:9090/healthz"},
		{"", "0.0.0.0:7000", "http://localhost:7000/healthz"},
		{"", "7001", "http://localhost:7001/healthz"},
		{"http://modbot:8080/readyz", ":9090", "http://modbot:8080/readyz"},
	}
	for _, tt := range tests {
		if got := probeURL(tt.override, tt.addr); got != tt.want {
			t.Errorf("probeURL(%q, %q) = %q, want %q", tt.override, tt.addr, got, tt.want)
		}
	}
}

func TestProbe(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	if err := probe(context.Background(), srv.URL); err != nil {
		t.Errorf("probe() = %v, want nil", err)
	}
	status = http.StatusServiceUnavailable
	if err := probe(context.Background(), srv.URL); err == nil {
		t.Error("probe() = nil for 503")
	}
}
