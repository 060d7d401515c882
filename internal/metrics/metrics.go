// Package metrics exposes the router's Prometheus instrumentation on a
// private registry: pool occupancy, session pinning, reconnects, and
// backend health, all labeled by route name (or destination address for
// per-backend health).
//
// Grounded on the teacher's own metrics.go: the private-registry
// construction, the per-metric update method shape, and the
// DeletePartialMatch cleanup pattern are carried over unchanged,
// relabeled from "tenant"/"db_type" to "route"/"destination" and with
// the metric set narrowed to what §4's MySQL-only router needs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the router.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsStashed *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	sessionDuration    *prometheus.HistogramVec
	destinationHealth  *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	acquireDuration    *prometheus.HistogramVec
	sessionPinsTotal   *prometheus.CounterVec
	backendResetsTotal *prometheus.CounterVec
	dirtyDisconnects   *prometheus.CounterVec
	reconnectsTotal    *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom
// registry. Safe to call multiple times (e.g. in tests) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlrouter_connections_active",
				Help: "Number of active backend connections per route",
			},
			[]string{"route"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlrouter_connections_idle",
				Help: "Number of idle backend connections per route",
			},
			[]string{"route"},
		),
		connectionsStashed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlrouter_connections_stashed",
				Help: "Number of backend connections held in the client-affinity stash per route",
			},
			[]string{"route"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlrouter_connections_total",
				Help: "Total number of backend connections per route",
			},
			[]string{"route"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlrouter_connections_waiting",
				Help: "Number of goroutines waiting for a backend connection per route",
			},
			[]string{"route"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlrouter_session_duration_seconds",
				Help:    "Duration of proxied client sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"route"},
		),
		destinationHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlrouter_destination_health",
				Help: "Health status of a backend destination (1=healthy, 0=unhealthy)",
			},
			[]string{"destination"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlrouter_pool_exhausted_total",
				Help: "Total number of times a route's pool was exhausted",
			},
			[]string{"route"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlrouter_health_check_duration_seconds",
				Help:    "Duration of destination health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"destination", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlrouter_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"destination", "error_type"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlrouter_acquire_duration_seconds",
				Help:    "Time waiting for pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"route"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlrouter_session_pins_total",
				Help: "Session pin events (statements that make a backend connection unsharable)",
			},
			[]string{"route", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlrouter_backend_resets_total",
				Help: "COM_RESET_CONNECTION results when returning a connection to the pool",
			},
			[]string{"route", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlrouter_dirty_disconnects_total",
				Help: "Client disconnects mid-statement or mid-transaction",
			},
			[]string{"route"},
		),
		reconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlrouter_reconnects_total",
				Help: "Backend reconnect attempts by trigger (pre_command, mid_command)",
			},
			[]string{"route", "trigger", "status"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsStashed,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.sessionDuration,
		c.destinationHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.reconnectsTotal,
	)

	return c
}

// SessionDuration observes a proxied session's total duration.
func (c *Collector) SessionDuration(route string, d time.Duration) {
	c.sessionDuration.WithLabelValues(route).Observe(d.Seconds())
}

// SetDestinationHealth sets the health gauge for a backend destination.
func (c *Collector) SetDestinationHealth(destination string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.destinationHealth.WithLabelValues(destination).Set(val)
}

// PoolExhausted increments the pool-exhausted counter for a route.
func (c *Collector) PoolExhausted(route string) {
	c.poolExhausted.WithLabelValues(route).Inc()
}

// UpdatePoolStats updates the pool gauge metrics for a route.
func (c *Collector) UpdatePoolStats(route string, active, idle, stashed, total, waiting int) {
	c.connectionsActive.WithLabelValues(route).Set(float64(active))
	c.connectionsIdle.WithLabelValues(route).Set(float64(idle))
	c.connectionsStashed.WithLabelValues(route).Set(float64(stashed))
	c.connectionsTotal.WithLabelValues(route).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(route).Set(float64(waiting))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(destination string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(destination, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(destination, errorType string) {
	c.healthCheckErrors.WithLabelValues(destination, errorType).Inc()
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(route string, d time.Duration) {
	c.acquireDuration.WithLabelValues(route).Observe(d.Seconds())
}

// SessionPinned increments the session pin counter with the given reason.
func (c *Collector) SessionPinned(route, reason string) {
	c.sessionPinsTotal.WithLabelValues(route, reason).Inc()
}

// BackendReset records a COM_RESET_CONNECTION result (success or failure).
func (c *Collector) BackendReset(route string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(route, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter for a route.
func (c *Collector) DirtyDisconnect(route string) {
	c.dirtyDisconnects.WithLabelValues(route).Inc()
}

// ReconnectAttempted records a backend reconnect attempt and its outcome.
func (c *Collector) ReconnectAttempted(route, trigger string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.reconnectsTotal.WithLabelValues(route, trigger, status).Inc()
}

// RemoveRoute removes all metrics series for a route that no longer exists.
func (c *Collector) RemoveRoute(route string) {
	c.connectionsActive.DeleteLabelValues(route)
	c.connectionsIdle.DeleteLabelValues(route)
	c.connectionsStashed.DeleteLabelValues(route)
	c.connectionsTotal.DeleteLabelValues(route)
	c.connectionsWaiting.DeleteLabelValues(route)
	c.sessionDuration.DeletePartialMatch(prometheus.Labels{"route": route})
	c.poolExhausted.DeleteLabelValues(route)
	c.acquireDuration.DeleteLabelValues(route)
	c.sessionPinsTotal.DeletePartialMatch(prometheus.Labels{"route": route})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"route": route})
	c.dirtyDisconnects.DeleteLabelValues(route)
	c.reconnectsTotal.DeletePartialMatch(prometheus.Labels{"route": route})
}
