package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestServeRegistersMetrics(t *testing.T) {
	srv := Serve(":0")
	defer srv.Close()

	MessagesParsed.WithLabelValues("AltSwing", "ok").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "messages_parsed_total" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("messages_parsed_total metric not found")
	}
}

func TestServeDisabled(t *testing.T) {
	if srv := Serve(""); srv != nil {
		t.Fatalf("expected nil server for empty addr")
	}
}
