package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	if m.CommandsTotal == nil || m.EventsAppended == nil || m.SagaTransitions == nil {
		t.Fatal("metrics not initialized")
	}

	m.CommandsTotal.WithLabelValues("policy.create", "accepted").Inc()
	m.SnapshotFailures.Inc()
	m.SnapshotFailures.Inc()

	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("policy.create", "accepted")); got != 1 {
		t.Errorf("CommandsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SnapshotFailures); got != 2 {
		t.Errorf("SnapshotFailures = %v, want 2", got)
	}
}

func TestNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ConflictsDetected.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	var conflicts *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "policyledger_conflicts_detected_total" {
			conflicts = mf
		}
		if !strings.HasPrefix(mf.GetName(), "policyledger_") {
			t.Errorf("metric %q lacks namespace", mf.GetName())
		}
	}
	if conflicts == nil || conflicts.GetType() != dto.MetricType_COUNTER {
		t.Fatalf("conflicts_detected_total not gathered as counter: %v", conflicts)
	}
	if v := conflicts.GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("conflicts_detected_total = %v, want 1", v)
	}
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("registering twice should panic")
		}
	}()
	New(reg)
}
