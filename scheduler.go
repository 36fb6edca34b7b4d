package corosched

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Scheduler is a cooperative, work-stealing task scheduler: a bounded pool
// of CPU permits shared across an elastic set of Workers, each owning one
// local WorkQueue, backed by one unbounded GlobalQueue for overflow and
// external submission (spec §3, §4).
type Scheduler struct {
	corePoolSize  int
	maxPoolSize   int
	queueCapacity int
	stealAttempts int

	workers        []atomic.Pointer[Worker]
	createdWorkers atomic.Int32
	blockingWorkers atomic.Int32
	parkedWorkers  atomic.Int32
	isTerminated   atomic.Bool

	global  *globalQueue
	permits *cpuPermits
	retired *retiredStack
	clock   Clock

	metrics       *metricz.Registry
	tracer        *tracez.Tracer
	hooks         *hookz.Hooks[SchedulerEvent]
	exceptionSink ExceptionSink

	seedCounter atomic.Uint32

	mu        sync.Mutex // guards worker creation (createdWorkers read-modify-write)
	closeOnce sync.Once
}

// Option configures a Scheduler at construction time.
type Option func(*schedulerConfig)

type schedulerConfig struct {
	maxPoolSize   int
	queueCapacity int
	stealAttempts int
	clock         Clock
	exceptionSink ExceptionSink
}

// WithMaxPoolSize overrides the elastic ceiling on total worker count
// (default: corePoolSize * 128, matching the teacher's generous default
// elasticity for blocking workloads).
func WithMaxPoolSize(n int) Option {
	return func(c *schedulerConfig) { c.maxPoolSize = n }
}

// WithQueueCapacity overrides each worker's local ring buffer capacity
// (default defaultLocalQueueCapacity). Must be a power of two.
func WithQueueCapacity(n int) Option {
	return func(c *schedulerConfig) { c.queueCapacity = n }
}

// WithStealAttempts overrides how many random victims a worker probes per
// steal round and per requestCpuWorker fallback unpark (default
// defaultStealAttempts).
func WithStealAttempts(n int) Option {
	return func(c *schedulerConfig) { c.stealAttempts = n }
}

// WithClock injects a Clock, primarily for deterministic tests against a
// clockz.FakeClock.
func WithClock(clock Clock) Option {
	return func(c *schedulerConfig) { c.clock = clock }
}

// WithExceptionSink installs a handler for recovered task panics, in place
// of the no-op default.
func WithExceptionSink(sink ExceptionSink) Option {
	return func(c *schedulerConfig) { c.exceptionSink = sink }
}

// NewScheduler constructs a Scheduler with corePoolSize permits and starts
// no workers: workers are created lazily by requestCpuWorker, the first of
// which fires on the first Dispatch call (spec §9 open question: lazy
// worker creation).
func NewScheduler(corePoolSize int, opts ...Option) (*Scheduler, error) {
	if corePoolSize < 1 {
		return nil, ErrInvalidCorePoolSize
	}

	cfg := schedulerConfig{
		maxPoolSize:   corePoolSize * 128,
		queueCapacity: defaultLocalQueueCapacity,
		stealAttempts: defaultStealAttempts,
		clock:         defaultClock(),
		exceptionSink: defaultExceptionSink,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxPoolSize < corePoolSize {
		return nil, ErrInvalidMaxPoolSize
	}
	if cfg.queueCapacity <= 0 || cfg.queueCapacity&(cfg.queueCapacity-1) != 0 {
		return nil, ErrInvalidQueueSize
	}

	s := &Scheduler{
		corePoolSize:  corePoolSize,
		maxPoolSize:   cfg.maxPoolSize,
		queueCapacity: cfg.queueCapacity,
		stealAttempts: cfg.stealAttempts,
		workers:       make([]atomic.Pointer[Worker], cfg.maxPoolSize),
		global:        newGlobalQueue(),
		permits:       newCPUPermits(corePoolSize),
		retired:       newRetiredStack(),
		clock:         cfg.clock,
		metrics:       newMetricsRegistry(),
		tracer:        tracez.New(),
		hooks:         hookz.New[SchedulerEvent](),
		exceptionSink: cfg.exceptionSink,
	}
	return s, nil
}

// Metrics exposes the scheduler's metricz registry for scraping.
func (s *Scheduler) Metrics() *metricz.Registry {
	return s.metrics
}

// Tracer exposes the scheduler's tracez tracer, primarily so tests can
// subscribe with OnSpanComplete.
func (s *Scheduler) Tracer() *tracez.Tracer {
	return s.tracer
}

// Hooks exposes the scheduler's typed hookz event stream (task panics,
// worker-count changes).
func (s *Scheduler) Hooks() *hookz.Hooks[SchedulerEvent] {
	return s.hooks
}

func (s *Scheduler) loadWorker(index int) *Worker {
	if index < 0 || index >= len(s.workers) {
		return nil
	}
	return s.workers[index].Load()
}

func (s *Scheduler) refreshGauges() {
	s.metrics.Gauge(MetricWorkersBlocking).Set(float64(s.blockingWorkers.Load()))
	s.metrics.Gauge(MetricWorkersParked).Set(float64(s.parkedWorkers.Load()))
	s.metrics.Gauge(MetricGlobalQueueSize).Set(float64(s.global.size()))
}

// Dispatch submits a Runnable from outside the pool (spec §4.2 step 1: a
// caller that isn't a Worker of this Scheduler always falls through to the
// global queue). Go has no goroutine-local storage to detect "am I a
// Worker" implicitly, so that detection is instead made explicit: code
// running inside a Task calls DispatchFrom with its own *Worker, and
// everything else calls Dispatch.
func (s *Scheduler) Dispatch(run Runnable, mode Mode) {
	if s.isTerminated.Load() {
		return
	}
	task := newTask(run, mode, s.clock)
	s.global.push(task)
	s.refreshGauges()
	s.requestCpuWorker()
}

// DispatchFrom submits a Runnable on behalf of a Worker that is currently
// executing a task on this Scheduler (spec §4.2's worker-local path): the
// task is offered to the calling worker's own local queue, preserving
// producer-consumer locality, instead of routed straight to the global
// queue. fair=true uses addLast (tail, FIFO); fair=false uses add
// (semi-FIFO head, spec's default for work a task spawns for itself).
//
// Calling this with a worker not owned by s is a programming error; it
// silently falls back to Dispatch's external path instead of panicking,
// per spec §7's "never panic the caller" stance.
func (s *Scheduler) DispatchFrom(w *Worker, run Runnable, mode Mode, fair bool) AddResult {
	if s.isTerminated.Load() {
		return NotAdded
	}
	if w == nil || w.sched != s {
		s.Dispatch(run, mode)
		return NotAdded
	}

	needHelp := false

	if mode == NonBlocking {
		if w.getState() == stateBlocking {
			// Step 2: still inserted locally below, just flags for help.
			needHelp = true
		} else if !s.permits.tryAcquire() {
			// Step 3: no spare admission capacity; route to global instead
			// of growing this worker's own queue unfairly.
			task := newTask(run, mode, s.clock)
			s.global.push(task)
			s.refreshGauges()
			s.requestCpuWorker()
			return NotAdded
		} else {
			// The acquisition above is an admission probe, not a lasting
			// hold: permits model concurrently-CPU-bound workers, not
			// outstanding tasks, and this worker already accounts for its
			// own permit. See DESIGN.md for the reasoning.
			s.permits.release()
		}
	}

	task := newTask(run, mode, s.clock)
	before := w.queue.size()
	if fair {
		w.queue.addLast(task, s.global)
	} else {
		w.queue.add(task, s.global)
	}
	s.refreshGauges()

	threshold := w.queue.offloadThreshold
	overflowed := before < threshold && w.queue.size() >= threshold
	if overflowed {
		s.metrics.Counter(MetricLocalQueueOffload).Inc()
		capitan.Info(context.Background(), SignalQueueOffloaded, FieldWorkerIndex.Field(w.index))
	}
	if needHelp || overflowed {
		s.requestCpuWorker()
		return AddedRequiresHelp
	}
	return Added
}

// requestCpuWorker implements spec §4.3: find or create a worker to take
// up CPU-bound work, in priority order: revive a retired (parked) worker,
// grow the pool (bounded by maxPoolSize), or as a last resort unpark a
// randomly probed worker that is in PARKING state.
func (s *Scheduler) requestCpuWorker() {
	if s.permits.availableCount() <= 0 {
		return
	}

	if victim := s.retired.pop(); victim != nil {
		victim.unparker().Unpark()
		return
	}

	// cpuWorkers counts workers that are or could be CPU-bound; a worker
	// currently BLOCKING doesn't count, so every time one goes BLOCKING
	// this makes room for a replacement, up to maxPoolSize (spec §4.3
	// step 3). This is how the pool grows elastically for blocking load.
	cpuWorkers := int(s.createdWorkers.Load()) - int(s.blockingWorkers.Load())
	if cpuWorkers < s.corePoolSize {
		if s.createAndStartWorker() {
			return
		}
	}

	s.unparkAny()
}

// createAndStartWorker allocates the next worker slot and starts its
// goroutine. Guarded by mu so two concurrent requestCpuWorker callers
// can't both claim the same slot.
func (s *Scheduler) createAndStartWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := int(s.createdWorkers.Load())
	if index >= s.maxPoolSize {
		return false
	}

	seed := s.seedCounter.Add(1) ^ uint32(index*2654435761)
	w := newWorker(s, index, seed)
	s.workers[index].Store(w)
	s.createdWorkers.Add(1)
	s.metrics.Counter(MetricWorkersCreated).Inc()
	capitan.Info(context.Background(), SignalWorkerCreated, FieldWorkerIndex.Field(index))
	_ = s.hooks.Emit(context.Background(), HookWorkerCountChanged, SchedulerEvent{ //nolint:errcheck
		Kind:        EventWorkerCountChanged,
		WorkerIndex: index,
	})

	go w.run()
	return true
}

// unparkAny probes up to stealAttempts random existing workers and wakes
// the first one found actually PARKING (spec §4.3 step 4, the benign-race
// fallback when no retired worker is available and the pool is already at
// corePoolSize). A worker in any other state isn't parked, so unparking it
// would only pre-load a token its next Park call consumes for free; probing
// must keep going past those to find a genuinely parked victim.
func (s *Scheduler) unparkAny() {
	created := int(s.createdWorkers.Load())
	if created == 0 {
		return
	}
	seed := s.seedCounter.Add(1)
	rng := newXorshift32(seed)
	for i := 0; i < s.stealAttempts; i++ {
		idx := rng.nextInt(created)
		w := s.loadWorker(idx)
		if w == nil {
			continue
		}
		if w.getState() != stateParking {
			continue
		}
		w.unparker().Unpark()
		return
	}
}

// Close terminates the scheduler: every worker observes isTerminated on
// its next loop check, is woken unconditionally if parked, leaves its loop
// without draining tasks still queued, and transitions to FINISHED. Close
// blocks until every created worker has reached FINISHED, or until ctx is
// done, in which case it returns ctx.Err(). The shutdown runs once; every
// later call returns ErrSchedulerClosed.
func (s *Scheduler) Close(ctx context.Context) error {
	first := false
	var err error
	s.closeOnce.Do(func() {
		first = true
		s.isTerminated.Store(true)

		created := int(s.createdWorkers.Load())
		for i := 0; i < created; i++ {
			if w := s.loadWorker(i); w != nil {
				w.unparker().Unpark()
			}
		}

		for i := 0; i < created; i++ {
			w := s.loadWorker(i)
			if w == nil {
				continue
			}
			select {
			case <-w.done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}

		capitan.Info(context.Background(), SignalSchedulerClosed,
			FieldCreatedWorkers.Field(created))
	})
	if !first {
		return ErrSchedulerClosed
	}
	return err
}

// String renders a single-line diagnostic snapshot (spec §6), e.g.:
//
//	[core pool size = 4, CPU workers = 2, blocking workers = 1, parked workers = 1,
//	retired workers = 1, finished workers = 0, running workers queues = [3b, 0c, 12r],
//	global queue size = 5]
func (s *Scheduler) String() string {
	created := int(s.createdWorkers.Load())
	var cpuWorkers, blockingWorkers, parkedWorkers, retiredWorkers, finishedWorkers int
	queueSizes := make([]string, 0, created)

	for i := 0; i < created; i++ {
		w := s.loadWorker(i)
		if w == nil {
			continue
		}
		suffix := "r" // retiring / idle, no special status
		switch w.getState() {
		case stateCPUAcquired:
			cpuWorkers++
			suffix = "c"
		case stateBlocking:
			blockingWorkers++
			suffix = "b"
		case stateParking:
			parkedWorkers++
			suffix = "p"
		case stateFinished:
			finishedWorkers++
			suffix = "f"
		case stateRetiring:
			retiredWorkers++
		}
		queueSizes = append(queueSizes, fmt.Sprintf("%d%s", w.queue.size(), suffix))
	}

	return fmt.Sprintf(
		"[core pool size = %d, CPU workers = %d, blocking workers = %d, parked workers = %d, "+
			"retired workers = %d, finished workers = %d, running workers queues = [%s], global queue size = %d]",
		s.corePoolSize, cpuWorkers, blockingWorkers, parkedWorkers, retiredWorkers, finishedWorkers,
		strings.Join(queueSizes, ", "), s.global.size(),
	)
}

// unparker returns the Worker's Unparker, satisfying the host primitive
// interface named in spec §6.
func (w *Worker) unparker() Unparker {
	return w.parker
}
