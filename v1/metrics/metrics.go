package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CreatedCounter tracks latches inserted into the catalog.
	CreatedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_created_total",
		Help: "Total number of latches created",
	})
	// CountDownCounter tracks successful count down operations, including
	// no-op decrements of zeroed or removed latches.
	CountDownCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_countdown_total",
		Help: "Total number of count down operations",
	})
	// RemovedCounter tracks transitions to the removed state.
	RemovedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_removed_total",
		Help: "Total number of latch removals by cause",
	}, []string{"cause"})
	// ConflictCounter tracks compare-and-swap attempts lost to a concurrent writer.
	ConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_cas_conflicts_total",
		Help: "Total number of compare-and-swap conflicts",
	})
	// PublishFailureCounter tracks change notifications that could not be published.
	PublishFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_publish_failures_total",
		Help: "Total number of failed change notifications",
	})
	// NotificationCounter tracks change notifications received by nodes.
	NotificationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_notifications_total",
		Help: "Total number of change notifications received",
	})
	// AwaitTimeoutCounter tracks timed waits that returned false.
	AwaitTimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_await_timeouts_total",
		Help: "Total number of timed awaits that expired",
	})
	// WaiterGauge reports the number of callers blocked in Await.
	WaiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_waiters",
		Help: "Current number of blocked waiters",
	})
)

// Removal causes used as the RemovedCounter label.
const (
	CauseAutoDelete = "auto_delete"
	CauseClose      = "close"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers latch metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		CreatedCounter,
		CountDownCounter,
		RemovedCounter,
		ConflictCounter,
		PublishFailureCounter,
		NotificationCounter,
		AwaitTimeoutCounter,
		WaiterGauge,
	)
}
