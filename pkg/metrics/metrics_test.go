package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTaskCreated_IncrementsCounterForQueue(t *testing.T) {
	before := testutil.ToFloat64(TasksCreatedTotal.WithLabelValues("orders"))
	RecordTaskCreated("orders")
	after := testutil.ToFloat64(TasksCreatedTotal.WithLabelValues("orders"))

	if after != before+1 {
		t.Errorf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestSetActiveWorkers_SetsGaugeValue(t *testing.T) {
	SetActiveWorkers(7)
	if got := testutil.ToFloat64(ActiveWorkers); got != 7 {
		t.Errorf("ActiveWorkers = %v, want 7", got)
	}
}

func TestSetPendingTasks_SetsPerQueueGauge(t *testing.T) {
	SetPendingTasks("billing", 3)
	if got := testutil.ToFloat64(PendingTasks.WithLabelValues("billing")); got != 3 {
		t.Errorf("PendingTasks[billing] = %v, want 3", got)
	}
}

func TestRecordForwardCircuitOpen_IncrementsPerAddress(t *testing.T) {
	before := testutil.ToFloat64(ForwardCircuitOpenTotal.WithLabelValues("10.0.0.5:50051"))
	RecordForwardCircuitOpen("10.0.0.5:50051")
	after := testutil.ToFloat64(ForwardCircuitOpenTotal.WithLabelValues("10.0.0.5:50051"))

	if after != before+1 {
		t.Errorf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}
