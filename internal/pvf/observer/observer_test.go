package observer

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	m.ObserveExecution("backing", OutcomeValid, 30*time.Millisecond)
	m.ObserveExecution("backing", OutcomeValid, 0)
	m.ObserveExecution("approval", OutcomeTimedOut, 13*time.Second)
	m.WorkerSpawned(true)
	m.WorkerSpawned(false)
	m.ArtifactLookup(true)
	m.ArtifactLookup(false)
	m.ArtifactLookup(false)
	m.ObservePreparation(time.Second, errors.New("compile"))
	m.ObservePoVSize(4096)

	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"valid backing", testutil.ToFloat64(m.executions.WithLabelValues("backing", OutcomeValid)), 2},
		{"timed out approval", testutil.ToFloat64(m.executions.WithLabelValues("approval", OutcomeTimedOut)), 1},
		{"spawn ok", testutil.ToFloat64(m.spawns.WithLabelValues("ok")), 1},
		{"spawn error", testutil.ToFloat64(m.spawns.WithLabelValues("error")), 1},
		{"hits", testutil.ToFloat64(m.lookups.WithLabelValues("hit")), 1},
		{"misses", testutil.ToFloat64(m.lookups.WithLabelValues("miss")), 2},
		{"failed preparations", testutil.ToFloat64(m.preparations.WithLabelValues("error")), 1},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestNoopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Noop{}
	r.ObserveExecution("backing", OutcomeInvalid, time.Second)
	r.ArtifactLookup(true)
}
