package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PassCompleted(ResultOK, 20*time.Millisecond)
	m.PassCompleted(ResultPartial, time.Second)
	m.PassCompleted(ResultOK, time.Millisecond)
	m.StepFailed("push", 2)
	m.StepFailed("push", 0)
	m.Add("pushed", 3)
	m.SetPending("u1", 4)
	m.SetOnline(true)

	if got := testutil.ToFloat64(m.Passes.WithLabelValues(ResultOK)); got != 2 {
		t.Errorf("passes{ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StepFailures.WithLabelValues("push")); got != 2 {
		t.Errorf("step_failures{push} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Operations.WithLabelValues("pushed")); got != 3 {
		t.Errorf("operations{pushed} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Pending.WithLabelValues("u1")); got != 4 {
		t.Errorf("pending{u1} = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.Online); got != 1 {
		t.Errorf("online = %v, want 1", got)
	}

	count, err := testutil.GatherAndCount(reg, "prepsync_pass_duration_seconds")
	if err != nil {
		t.Fatalf("GatherAndCount() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("pass_duration series = %d, want 1", count)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.PassCompleted(ResultOK, time.Second)
	m.StepFailed("push", 1)
	m.Add("pushed", 1)
	m.SetPending("u1", 1)
	m.SetOnline(false)
}

func TestNew_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("registering twice on one registry did not panic")
		}
	}()
	New(reg)
}
