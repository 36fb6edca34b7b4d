// Package corosched provides a cooperative, work-stealing task scheduler
// for dispatching short CPU-bound units of work alongside possibly-blocking
// work, without routing the latter to a separate pool.
//
// # Overview
//
// corosched implements the core of a coroutine dispatcher: a pool of
// goroutine-backed Workers, each owning a local work-stealing queue, fed by
// a Scheduler that also maintains an unbounded global queue for externally
// submitted work. A counting semaphore of CPU permits gates admission to
// CPU-bound scheduling, and the pool grows elastically when tasks mark
// themselves as probably-blocking, so that blocking work never starves CPU
// throughput.
//
// # Core Concepts
//
//   - Task: a submitted unit of work, its submission timestamp, and a Mode
//     hint (NonBlocking or ProbablyBlocking).
//   - Worker: an owner of one local WorkQueue, cycling through
//     find-task / run / idle, transitioning between CPU_ACQUIRED, BLOCKING,
//     PARKING, RETIRING, and FINISHED states.
//   - Scheduler: owns the workers, the global queue, and the CPU permits;
//     exposes Dispatch (external submission), DispatchFrom (worker-local
//     submission), and Close.
//
// # Admission & Elasticity
//
// Only NonBlocking tasks consume a CPU permit. A worker that begins running
// a ProbablyBlocking task releases its permit and requests a replacement
// CPU worker, so blocking operations never reduce the pool's effective CPU
// parallelism below corePoolSize.
//
// # Observability
//
// Worker-lifecycle and queue events are reported through a metricz
// Registry (counters/gauges) and capitan Signals (structured log events),
// each task runs inside a tracez span, and a typed hookz event stream
// (Scheduler.Hooks) that external code can subscribe to carries two events:
// EventTaskPanicked, fired for every recovered task panic, and
// EventWorkerCountChanged.
//
// # Non-goals
//
// This package does not implement strict global FIFO ordering, fairness
// across submitters, preemption of running tasks, additional priority
// classes beyond the two task modes, or persistence of queued tasks across
// process restarts.
package corosched
