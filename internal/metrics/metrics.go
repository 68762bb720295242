package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	LastAppliedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "demux_last_applied_block",
			Help: "The last block number successfully applied to the datastore",
		},
	)

	BlocksApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "demux_blocks_applied_total",
			Help: "Total number of blocks applied",
		},
	)

	ActionsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "demux_actions_applied_total",
			Help: "Total number of actions run through updaters",
		},
	)

	BlockApplyTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "demux_block_apply_duration_seconds",
			Help:    "Time taken to apply one block inside its transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplayActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "demux_replay_active",
			Help: "Whether the engine is replaying historical blocks (1=replay, 0=live)",
		},
	)

	// Fork metrics
	RollbacksEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "demux_rollbacks_total",
			Help: "Total number of rollbacks emitted by the reader",
		},
	)

	RollbackDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "demux_rollback_depth_blocks",
			Help:    "Depth of chain reorganizations in blocks",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	RollbackLastDetected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "demux_rollback_last_detected_timestamp",
			Help: "Unix timestamp of last rollback",
		},
	)

	// Effect metrics
	EffectsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "demux_effects_dispatched_total",
			Help: "Total number of effect invocations by action type",
		},
		[]string{"action_type"},
	)

	EffectsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "demux_effects_dropped_total",
			Help: "Total number of pending effects dropped by rollbacks",
		},
	)

	EffectErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "demux_effect_errors_total",
			Help: "Total number of panics recovered from effect functions",
		},
		[]string{"action_type"},
	)

	// System metrics
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "demux_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "demux_errors_total",
			Help: "Total number of errors by component and severity",
		},
		[]string{"component", "severity"},
	)

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "demux_component_health",
			Help: "Component health status (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "demux_goroutines",
			Help: "Number of active goroutines",
		},
	)

	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "demux_memory_usage_bytes",
			Help: "Memory usage statistics",
		},
		[]string{"type"},
	)

	startTime = time.Now()
)

func BlockAppliedLog(blockNum uint64, actions int, duration time.Duration, isReplay bool) {
	LastAppliedBlock.Set(float64(blockNum))
	BlocksApplied.Inc()
	ActionsApplied.Add(float64(actions))
	BlockApplyTime.Observe(duration.Seconds())

	replay := float64(0)
	if isReplay {
		replay = 1
	}
	ReplayActive.Set(replay)
}

func RollbackDetectedLog(depth, target uint64) {
	RollbacksEmitted.Inc()
	RollbackDepth.Observe(float64(depth))
	RollbackLastDetected.Set(float64(time.Now().UTC().Unix()))
}

func EffectDispatchedInc(actionType string) {
	EffectsDispatched.WithLabelValues(actionType).Inc()
}

func EffectsDroppedAdd(count int) {
	EffectsDropped.Add(float64(count))
}

func EffectErrorInc(actionType string) {
	EffectErrors.WithLabelValues(actionType).Inc()
}

func ErrorInc(component, severity string) {
	Errors.WithLabelValues(component, severity).Inc()
}

func ComponentHealthSet(component string, healthy bool) {
	boolAsFloat := float64(1)
	if !healthy {
		boolAsFloat = 0
	}

	ComponentHealth.WithLabelValues(component).Set(boolAsFloat)
}

// UpdateSystemMetrics updates runtime system metrics.
// This should be called periodically (e.g., every 15 seconds).
func UpdateSystemMetrics() {
	Uptime.Set(time.Since(startTime).Seconds())
	Goroutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("total_alloc").Set(float64(m.TotalAlloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}
