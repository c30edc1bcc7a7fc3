// Package metrics exposes Prometheus counters and gauges for the VFS core,
// grounded on gcsfuse's common/otel_metrics.go attribute-set caching
// pattern but backed by prometheus/client_golang instead of otel/metric.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Op annotates which vfs operation a counter observation belongs to,
// mirroring gcsfuse's FSOpKey attribute.
type Op string

const (
	OpWalk   Op = "walk"
	OpOpen   Op = "open"
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpMount  Op = "mount"
	OpUnlink Op = "unlink"
)

var (
	OpenDescriptors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "badgerfs",
		Name:      "open_descriptors",
		Help:      "Number of currently open file descriptors.",
	})

	MountedInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "badgerfs",
		Name:      "mounted_instances",
		Help:      "Number of currently mounted vfs instances.",
	})

	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "badgerfs",
		Name:      "block_cache_hits_total",
		Help:      "Block cache lookups that found the requested block.",
	}, []string{"op"})

	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "badgerfs",
		Name:      "block_cache_misses_total",
		Help:      "Block cache lookups that required a driver read.",
	}, []string{"op"})

	OpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "badgerfs",
		Name:      "fs_ops_total",
		Help:      "VFS operations processed, partitioned by operation and outcome.",
	}, []string{"op", "outcome"})

	AllocationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "badgerfs",
		Name:      "allocation_failures_total",
		Help:      "Failed cluster/inode allocation attempts, partitioned by driver.",
	}, []string{"driver"})
)

// Registry is the collector set callers register with a
// prometheus.Registerer (typically a dedicated *prometheus.Registry wired
// to an HTTP handler in cmd/badgerfs).
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(OpenDescriptors, MountedInstances, CacheHits, CacheMisses, OpsTotal, AllocationFailures)
}

// ObserveOp records the outcome of an operation: "ok" when err is nil,
// "error" otherwise.
func ObserveOp(op Op, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OpsTotal.WithLabelValues(string(op), outcome).Inc()
}

// ObserveCache records a block cache lookup's outcome.
func ObserveCache(op Op, hit bool) {
	if hit {
		CacheHits.WithLabelValues(string(op)).Inc()
		return
	}
	CacheMisses.WithLabelValues(string(op)).Inc()
}

// ObserveAllocationFailure records a failed cluster/inode allocation for
// the named driver ("fat", "ramfs", ...).
func ObserveAllocationFailure(driver string) {
	AllocationFailures.WithLabelValues(driver).Inc()
}
