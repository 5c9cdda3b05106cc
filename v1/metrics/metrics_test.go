package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	CreatedCounter.Inc()
	CountDownCounter.Inc()
	RemovedCounter.WithLabelValues(CauseClose).Inc()
	ConflictCounter.Inc()
	PublishFailureCounter.Inc()
	NotificationCounter.Inc()
	AwaitTimeoutCounter.Inc()
	WaiterGauge.Set(5)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 8 {
		t.Fatalf("expected 8 metric families, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(WaiterGauge); v != 5 {
		t.Fatalf("expected waiters 5, got %v", v)
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}
