package corosched

import (
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Signal constants for scheduler events, following the teacher's
// "<component>.<event>" naming convention.
const (
	SignalWorkerCreated    capitan.Signal = "worker.created"
	SignalWorkerRetired    capitan.Signal = "worker.retired"
	SignalWorkerParked     capitan.Signal = "worker.parked"
	SignalWorkerUnparked   capitan.Signal = "worker.unparked"
	SignalWorkerFinished   capitan.Signal = "worker.finished"
	SignalPermitExhausted  capitan.Signal = "permits.exhausted"
	SignalQueueOffloaded   capitan.Signal = "queue.offloaded"
	SignalStealSucceeded   capitan.Signal = "steal.succeeded"
	SignalTaskPanicked     capitan.Signal = "task.panicked"
	SignalSchedulerClosed  capitan.Signal = "scheduler.closed"
)

// Field keys used with the signals above.
var (
	FieldWorkerIndex    = capitan.NewIntKey("worker_index")
	FieldCreatedWorkers  = capitan.NewIntKey("created_workers")
	FieldBlockingWorkers = capitan.NewIntKey("blocking_workers")
	FieldAvailablePermits = capitan.NewIntKey("available_permits")
	FieldGlobalQueueSize = capitan.NewIntKey("global_queue_size")
	FieldLocalQueueSize  = capitan.NewIntKey("local_queue_size")
	FieldTaskMode        = capitan.NewStringKey("task_mode")
	FieldPanicMessage    = capitan.NewStringKey("panic_message")
)

// Metric keys registered on every Scheduler's metricz.Registry.
const (
	MetricWorkersCreated     = metricz.Key("corosched.workers.created")
	MetricWorkersCPUAcquired = metricz.Key("corosched.workers.cpu_acquired")
	MetricWorkersBlocking    = metricz.Key("corosched.workers.blocking")
	MetricWorkersParked      = metricz.Key("corosched.workers.parked")
	MetricGlobalQueueSize    = metricz.Key("corosched.queue.global.size")
	MetricLocalQueueOffload  = metricz.Key("corosched.queue.local.offload")
	MetricStealAttempts      = metricz.Key("corosched.steal.attempts")
	MetricStealSuccesses     = metricz.Key("corosched.steal.successes")
	MetricTasksExecuted      = metricz.Key("corosched.tasks.executed")
	MetricTaskPanics         = metricz.Key("corosched.tasks.panics")
)

// Trace span used around every task's execution.
const taskProcessSpan tracez.Key = "corosched.task.process"

// Trace tags.
const (
	taskTagMode    tracez.Tag = "corosched.task.mode"
	taskTagQueueNs tracez.Tag = "corosched.task.queue_wait_ns"
)

// SchedulerEvent is the payload delivered to hookz subscribers.
type SchedulerEvent struct {
	Kind        EventKind
	WorkerIndex int
	Recovered   any // set only for EventTaskPanicked
}

// EventKind enumerates the hookz event keys a Scheduler emits.
type EventKind int

const (
	// EventTaskPanicked fires when a task's Runnable panics; this is the
	// uncaught-exception sink named in spec §6/§7.
	EventTaskPanicked EventKind = iota
	// EventWorkerCountChanged fires whenever createdWorkers grows.
	EventWorkerCountChanged
)

// Hook keys for the scheduler's typed event stream.
const (
	HookTaskPanicked        = hookz.Key("scheduler.task_panicked")
	HookWorkerCountChanged  = hookz.Key("scheduler.worker_count_changed")
)

func newMetricsRegistry() *metricz.Registry {
	m := metricz.New()
	m.Counter(MetricWorkersCreated)
	m.Gauge(MetricWorkersCPUAcquired)
	m.Gauge(MetricWorkersBlocking)
	m.Gauge(MetricWorkersParked)
	m.Gauge(MetricGlobalQueueSize)
	m.Counter(MetricLocalQueueOffload)
	m.Counter(MetricStealAttempts)
	m.Counter(MetricStealSuccesses)
	m.Counter(MetricTasksExecuted)
	m.Counter(MetricTaskPanics)
	return m
}
