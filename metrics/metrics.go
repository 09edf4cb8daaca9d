package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the command channel and helper
type Collector struct {
	// Connection metrics
	ConnectionState  *prometheus.GaugeVec
	StateTransitions *prometheus.CounterVec
	RecoveryAttempts prometheus.Counter
	RecoveryOutcomes *prometheus.CounterVec
	RecoveryDuration prometheus.Histogram

	// Health metrics
	HealthChecks      *prometheus.CounterVec
	ProbeResponseTime prometheus.Histogram
	HealthState       *prometheus.GaugeVec

	// Queue metrics
	MessagesEnqueued   prometheus.Counter
	MessagesDispatched *prometheus.CounterVec
	MessagesFinished   *prometheus.CounterVec
	MessagesRejected   *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	QueuePending       prometheus.Gauge
	QueueRunning       prometheus.Gauge

	// Operation metrics
	ActiveOperations prometheus.Gauge

	// Helper metrics
	HelperRequests       *prometheus.CounterVec
	HelperExecutions     *prometheus.CounterVec
	HelperActiveCommands prometheus.Gauge
}

var (
	connectionStates = []string{"idle", "connecting", "active", "interrupted", "invalidated", "recovering", "failed"}
	healthStates     = []string{"unknown", "healthy", "degraded", "unhealthy"}
)

// NewCollector creates a new metrics collector registered with reg. A nil reg
// registers with the Prometheus default registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "backupd"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		// Connection metrics
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Total number of connection state transitions",
		}, []string{"from", "to"}),
		RecoveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Total number of reconnection attempts made by recovery",
		}),
		RecoveryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_episodes_total",
			Help:      "Total number of finished recovery episodes by outcome",
		}, []string{"outcome"}),
		RecoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of recovery episodes",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		// Health metrics
		HealthChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of health probes by result",
		}, []string{"result"}),
		ProbeResponseTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_seconds",
			Help:      "Round-trip time of health probes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		HealthState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_state",
			Help:      "Current coarse health state (1 for the current state, 0 otherwise)",
		}, []string{"state"}),

		// Queue metrics
		MessagesEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "Total number of messages accepted by the queue",
		}),
		MessagesDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Total number of dispatches to the helper, including re-dispatches",
		}, []string{"operation"}),
		MessagesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_finished_total",
			Help:      "Total number of finished messages by operation and status",
		}, []string{"operation", "status"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Total number of submissions rejected before enqueue",
		}, []string{"reason"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from dispatch to completion of a command",
			Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900, 3600, 10800},
		}, []string{"operation"}),
		QueuePending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Current number of pending messages",
		}),
		QueueRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_running",
			Help:      "Current number of running messages",
		}),

		// Operation metrics
		ActiveOperations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_active",
			Help:      "Current number of tracked operations",
		}),

		// Helper metrics
		HelperRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helper",
			Name:      "requests_total",
			Help:      "Total number of requests served by the helper by method",
		}, []string{"method"}),
		HelperExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helper",
			Name:      "executions_total",
			Help:      "Total number of engine runs by operation and result",
		}, []string{"operation", "result"}),
		HelperActiveCommands: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "helper",
			Name:      "active_commands",
			Help:      "Current number of running engine processes",
		}),
	}
}

// RecordStateTransition counts a transition and moves the state gauge
func (c *Collector) RecordStateTransition(from, to string) {
	c.StateTransitions.WithLabelValues(from, to).Inc()
	setOneHot(c.ConnectionState, connectionStates, to)
}

// RecordRecoveryAttempt counts one reconnection attempt
func (c *Collector) RecordRecoveryAttempt() {
	c.RecoveryAttempts.Inc()
}

// RecordRecoveryOutcome records how a recovery episode ended
func (c *Collector) RecordRecoveryOutcome(recovered bool, elapsed time.Duration) {
	outcome := "failed"
	if recovered {
		outcome = "recovered"
	}
	c.RecoveryOutcomes.WithLabelValues(outcome).Inc()
	c.RecoveryDuration.Observe(elapsed.Seconds())
}

// RecordHealthCheck records a probe result
func (c *Collector) RecordHealthCheck(ok bool, responseTime time.Duration) {
	result := "failure"
	if ok {
		result = "success"
		c.ProbeResponseTime.Observe(responseTime.Seconds())
	}
	c.HealthChecks.WithLabelValues(result).Inc()
}

// SetHealthState moves the health state gauge
func (c *Collector) SetHealthState(state string) {
	setOneHot(c.HealthState, healthStates, state)
}

// RecordMessageEnqueued records an accepted submission
func (c *Collector) RecordMessageEnqueued() {
	c.MessagesEnqueued.Inc()
}

// RecordMessageDispatched records a dispatch to the helper
func (c *Collector) RecordMessageDispatched(operation string) {
	c.MessagesDispatched.WithLabelValues(operation).Inc()
}

// RecordMessageFinished records a finished message
func (c *Collector) RecordMessageFinished(operation, status string, duration time.Duration) {
	c.MessagesFinished.WithLabelValues(operation, status).Inc()
	c.CommandDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMessageRejected records a submission rejected before enqueue
func (c *Collector) RecordMessageRejected(reason string) {
	c.MessagesRejected.WithLabelValues(reason).Inc()
}

// SetQueueDepth updates the queue gauges
func (c *Collector) SetQueueDepth(pending, running int) {
	c.QueuePending.Set(float64(pending))
	c.QueueRunning.Set(float64(running))
}

// SetActiveOperations sets the number of tracked operations
func (c *Collector) SetActiveOperations(count int) {
	c.ActiveOperations.Set(float64(count))
}

// RecordHelperRequest counts a request served by the helper
func (c *Collector) RecordHelperRequest(method string) {
	c.HelperRequests.WithLabelValues(method).Inc()
}

// RecordHelperExecution records a finished engine run
func (c *Collector) RecordHelperExecution(operation string, exitStatus int) {
	result := "success"
	if exitStatus != 0 {
		result = "failure"
	}
	c.HelperExecutions.WithLabelValues(operation, result).Inc()
}

// SetHelperActiveCommands sets the number of running engine processes
func (c *Collector) SetHelperActiveCommands(count int) {
	c.HelperActiveCommands.Set(float64(count))
}

func setOneHot(gauge *prometheus.GaugeVec, states []string, current string) {
	for _, s := range states {
		value := 0.0
		if s == current {
			value = 1
		}
		gauge.WithLabelValues(s).Set(value)
	}
}
