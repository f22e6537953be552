// Package metrics provides runtime metrics collection.
// It wraps Prometheus collectors to provide structured telemetry for remote
// loading, boundary state, bus activity, and context updates.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides composition runtime metrics.
type Collector struct {
	registry *prometheus.Registry

	// Loader metrics
	loadsTotal   *prometheus.CounterVec
	loadFailures *prometheus.CounterVec
	loadRetries  *prometheus.CounterVec
	loadLatency  *prometheus.HistogramVec
	probesFailed *prometheus.CounterVec
	handleState  *prometheus.GaugeVec

	// Boundary metrics
	boundaryTrips  *prometheus.CounterVec
	boundaryResets *prometheus.CounterVec
	boundaryStatus *prometheus.GaugeVec

	// Bus metrics
	busPublishes     *prometheus.CounterVec
	busHandlerPanics *prometheus.CounterVec
	busSubscribers   *prometheus.GaugeVec

	// Context metrics
	sliceUpdates *prometheus.CounterVec

	// Singleton registry metrics
	slotsPopulated prometheus.Gauge
	slotConflicts  prometheus.Counter

	// Health metrics
	remoteAvailable *prometheus.GaugeVec

	// Resource metrics
	uptime    prometheus.Gauge
	startTime time.Time
}

// NewCollector creates a new runtime metrics collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "mosaic"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.loadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "loads_total",
		Help:      "Total remote load attempts by scope and outcome.",
	}, []string{"scope", "outcome"})

	c.loadFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "load_failures_total",
		Help:      "Remote loads that exhausted the retry budget.",
	}, []string{"scope"})

	c.loadRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "load_retries_total",
		Help:      "Individual retry attempts by scope.",
	}, []string{"scope"})

	c.loadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "load_duration_seconds",
		Help:      "Time from load request to terminal handle state.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"scope"})

	c.probesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "probes_failed_total",
		Help:      "Existence probes that failed, short-circuiting a load.",
	}, []string{"scope"})

	c.handleState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "handle_state",
		Help:      "Current handle state (0=pending, 1=ready, 2=failed).",
	}, []string{"scope", "member"})

	c.boundaryTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "boundary",
		Name:      "trips_total",
		Help:      "Boundary trips by region.",
	}, []string{"region"})

	c.boundaryResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "boundary",
		Name:      "resets_total",
		Help:      "Boundary resets by region.",
	}, []string{"region"})

	c.boundaryStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "boundary",
		Name:      "status",
		Help:      "Current boundary status (0=healthy, 1=tripped).",
	}, []string{"region"})

	c.busPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "publishes_total",
		Help:      "Envelopes published by topic.",
	}, []string{"topic"})

	c.busHandlerPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "handler_panics_total",
		Help:      "Subscriber handlers that panicked during delivery.",
	}, []string{"topic"})

	c.busSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "subscribers",
		Help:      "Current subscriber count by topic.",
	}, []string{"topic"})

	c.sliceUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "context",
		Name:      "slice_updates_total",
		Help:      "Platform context updates by slice.",
	}, []string{"slice"})

	c.slotsPopulated = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "shared",
		Name:      "slots_populated",
		Help:      "Number of populated singleton dependency slots.",
	})

	c.slotConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shared",
		Name:      "slot_conflicts_total",
		Help:      "Singleton slot conflicts detected.",
	})

	c.remoteAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "remote_available",
		Help:      "Last probe result by scope (1=reachable, 0=unreachable).",
	}, []string{"scope"})

	c.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Host uptime in seconds.",
	})

	c.registry.MustRegister(
		c.loadsTotal, c.loadFailures, c.loadRetries, c.loadLatency,
		c.probesFailed, c.handleState,
		c.boundaryTrips, c.boundaryResets, c.boundaryStatus,
		c.busPublishes, c.busHandlerPanics, c.busSubscribers,
		c.sliceUpdates,
		c.slotsPopulated, c.slotConflicts,
		c.remoteAvailable,
		c.uptime,
	)

	return c
}

// Registry returns the underlying prometheus registry for exposition.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveLoad records a terminal load outcome and its duration.
func (c *Collector) ObserveLoad(scope string, ok bool, d time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
		c.loadFailures.WithLabelValues(scope).Inc()
	}
	c.loadsTotal.WithLabelValues(scope, outcome).Inc()
	c.loadLatency.WithLabelValues(scope).Observe(d.Seconds())
}

// ObserveRetry records a single retry attempt.
func (c *Collector) ObserveRetry(scope string) {
	c.loadRetries.WithLabelValues(scope).Inc()
}

// ObserveProbeFailure records a failed existence probe.
func (c *Collector) ObserveProbeFailure(scope string) {
	c.probesFailed.WithLabelValues(scope).Inc()
}

// SetHandleState records the current state of a handle.
func (c *Collector) SetHandleState(scope, member string, s float64) {
	c.handleState.WithLabelValues(scope, member).Set(s)
}

// ObserveBoundaryTrip records a boundary trip.
func (c *Collector) ObserveBoundaryTrip(region string) {
	c.boundaryTrips.WithLabelValues(region).Inc()
	c.boundaryStatus.WithLabelValues(region).Set(1)
}

// ObserveBoundaryReset records a boundary reset.
func (c *Collector) ObserveBoundaryReset(region string) {
	c.boundaryResets.WithLabelValues(region).Inc()
	c.boundaryStatus.WithLabelValues(region).Set(0)
}

// ObservePublish records an envelope delivery pass.
func (c *Collector) ObservePublish(topic string) {
	c.busPublishes.WithLabelValues(topic).Inc()
}

// ObserveHandlerPanic records a recovered subscriber panic.
func (c *Collector) ObserveHandlerPanic(topic string) {
	c.busHandlerPanics.WithLabelValues(topic).Inc()
}

// SetSubscriberCount records the current subscriber count for a topic.
func (c *Collector) SetSubscriberCount(topic string, n int) {
	c.busSubscribers.WithLabelValues(topic).Set(float64(n))
}

// ObserveSliceUpdate records a context slice write.
func (c *Collector) ObserveSliceUpdate(slice string) {
	c.sliceUpdates.WithLabelValues(slice).Inc()
}

// SetSlotsPopulated records the populated singleton slot count.
func (c *Collector) SetSlotsPopulated(n int) {
	c.slotsPopulated.Set(float64(n))
}

// ObserveSlotConflict records a singleton conflict.
func (c *Collector) ObserveSlotConflict() {
	c.slotConflicts.Inc()
}

// SetRemoteAvailable records the latest probe result for a scope.
func (c *Collector) SetRemoteAvailable(scope string, available bool) {
	v := 0.0
	if available {
		v = 1.0
	}
	c.remoteAvailable.WithLabelValues(scope).Set(v)
}

// UpdateUptime refreshes the uptime gauge.
func (c *Collector) UpdateUptime() {
	c.uptime.Set(time.Since(c.startTime).Seconds())
}
