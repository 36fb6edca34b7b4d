package corosched

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
)

// Worker states (spec §4.5). stateRetiring is the zero value so a freshly
// allocated Worker starts RETIRING without an explicit initializer, per
// "Initial state on creation: RETIRING".
type workerState int32

const (
	stateRetiring workerState = iota
	stateCPUAcquired
	stateBlocking
	stateParking
	stateFinished
)

// Adaptive idle tuning (spec §4.7).
const (
	maxSpins       = 1000
	maxYields      = 500
	maxParkTimeNs  = int64(time.Second)
	defaultStealAttempts = 4
	exhaustionQuietNs = 5 * workStealingTimeResolutionNs
)

func minParkTimeNs() int64 {
	min := workStealingTimeResolutionNs / 4
	if min < 10 {
		min = 10
	}
	if min > maxParkTimeNs {
		min = maxParkTimeNs
	}
	return min
}

// Worker is an owner of one WorkQueue, running the main
// find-task/execute/idle loop on its own goroutine.
type Worker struct {
	index  int
	sched  *Scheduler
	queue  *workQueue
	rng    *xorshift32
	parker *parker

	state atomic.Int32 // workerState

	// retiredNext links this worker into the Scheduler's retiredStack.
	// Owned exclusively by retiredStack's push/pop.
	retiredNext atomic.Pointer[Worker]

	spins            int
	yields           int
	parkTimeNs       int64
	lastExhaustionNs int64

	done chan struct{}
}

func newWorker(sched *Scheduler, index int, seed uint32) *Worker {
	return &Worker{
		index:      index,
		sched:      sched,
		queue:      newWorkQueue(sched.queueCapacity, sched.clock),
		rng:        newXorshift32(seed),
		parker:     newParker(sched.clock),
		parkTimeNs: minParkTimeNs(),
		done:       make(chan struct{}),
	}
}

func (w *Worker) getState() workerState {
	return workerState(w.state.Load())
}

func (w *Worker) setState(s workerState) {
	w.state.Store(int32(s))
}

// run is the worker's main loop (spec §4.6).
func (w *Worker) run() {
	defer close(w.done)

	for !w.sched.isTerminated.Load() {
		wasParking := w.getState() == stateParking
		task := w.findTask()
		if task == nil {
			w.idle()
			continue
		}
		w.idleReset(task.mode, wasParking)
		w.beforeTask(task)
		w.runSafely(task)
		w.afterTask(task)
	}
	w.finish()
}

// tryAcquireCPU attempts to transition into CPU_ACQUIRED by acquiring a
// permit. Safe to call from any state; failure leaves state untouched.
func (w *Worker) tryAcquireCPU() bool {
	if !w.sched.permits.tryAcquire() {
		return false
	}
	w.setState(stateCPUAcquired)
	return true
}

// findTask implements spec §4.6's four-step lookup.
func (w *Worker) findTask() *Task {
	acquired := w.getState() == stateCPUAcquired
	if !acquired {
		acquired = w.tryAcquireCPU()
	}

	if acquired {
		if t := w.sched.global.poll(); t != nil {
			return t
		}
	}

	if t := w.queue.poll(); t != nil {
		return t
	}

	if acquired {
		return w.trySteal()
	}
	return nil
}

// trySteal implements spec §4.6's steal policy: up to stealAttempts
// uniformly-random victims, first successful steal wins.
func (w *Worker) trySteal() *Task {
	created := int(w.sched.createdWorkers.Load())
	if created < 2 {
		return nil
	}
	for i := 0; i < w.sched.stealAttempts; i++ {
		victimIdx := w.rng.nextInt(created)
		if victimIdx == w.index {
			continue
		}
		victim := w.sched.loadWorker(victimIdx)
		if victim == nil {
			continue
		}
		w.sched.metrics.Counter(MetricStealAttempts).Inc()
		if w.queue.trySteal(victim.queue, w.sched.global) {
			w.sched.metrics.Counter(MetricStealSuccesses).Inc()
			capitan.Info(context.Background(), SignalStealSucceeded,
				FieldWorkerIndex.Field(w.index))
			return w.queue.poll()
		}
	}
	return nil
}

// idle dispatches to the adaptive CPU-holder idle sequence or the
// blocking-idle (retired stack) sequence, per current state (spec §4.7).
func (w *Worker) idle() {
	if w.getState() == stateCPUAcquired {
		w.idleCPU()
		return
	}
	w.idleBlocking()
}

func (w *Worker) idleCPU() {
	if w.spins < maxSpins {
		w.spins++
		spinWait()
		return
	}
	if w.yields < maxYields {
		w.yields++
		runtime.Gosched()
		return
	}

	next := int64(float64(w.parkTimeNs) * 1.5)
	if next > maxParkTimeNs {
		next = maxParkTimeNs
	}
	if next < w.parkTimeNs {
		next = w.parkTimeNs
	}
	w.parkTimeNs = next

	w.sched.permits.release()
	w.setState(stateParking)
	w.sched.parkedWorkers.Add(1)
	w.sched.refreshGauges()
	capitan.Info(context.Background(), SignalWorkerParked, FieldWorkerIndex.Field(w.index))

	w.parker.Park(time.Duration(w.parkTimeNs))

	w.sched.parkedWorkers.Add(-1)
	w.sched.refreshGauges()
	capitan.Info(context.Background(), SignalWorkerUnparked, FieldWorkerIndex.Field(w.index))
	w.setState(stateRetiring)
}

func (w *Worker) idleBlocking() {
	w.setState(stateParking)
	w.sched.retired.push(w)
	w.sched.parkedWorkers.Add(1)
	w.sched.refreshGauges()
	capitan.Info(context.Background(), SignalWorkerParked, FieldWorkerIndex.Field(w.index))

	w.parker.Park(0)

	w.sched.parkedWorkers.Add(-1)
	w.sched.refreshGauges()
	capitan.Info(context.Background(), SignalWorkerUnparked, FieldWorkerIndex.Field(w.index))
	// State is deliberately left as PARKING: idleReset resolves it once a
	// task is obtained (spec §4.7), and if no task turns up, the next
	// idle() call re-enrolls and re-parks via this same path.
}

// idleReset is called once a new task is obtained (spec §4.7). wasParking
// must reflect the worker's state as observed before findTask was called:
// findTask's own tryAcquireCPU can flip PARKING -> CPU_ACQUIRED as a side
// effect of finding the task, so reading getState() here would miss a
// worker that really was parked.
func (w *Worker) idleReset(mode Mode, wasParking bool) {
	if mode == ProbablyBlocking {
		w.enterBlocking()
		if wasParking {
			w.parkTimeNs = minParkTimeNs()
		}
	} else if wasParking && w.getState() == stateParking {
		// Only a worker still PARKING (no permit acquired by findTask) is
		// moved to RETIRING; a CPU_ACQUIRED worker keeps its state so its
		// permit stays accounted for.
		w.setState(stateRetiring)
	}

	w.spins = 0
	w.yields = 0
}

// enterBlocking transitions into BLOCKING, releasing any held CPU permit
// first. Ordering is significant (spec §4.5 critical constraint):
// blockingWorkers must be incremented before requestCpuWorker evaluates
// CPU starvation, or this worker won't be counted as starving capacity.
func (w *Worker) enterBlocking() {
	wasCPU := w.getState() == stateCPUAcquired
	if wasCPU {
		w.sched.permits.release()
	}
	w.setState(stateBlocking)
	w.sched.blockingWorkers.Add(1)
	w.sched.refreshGauges()
	if wasCPU {
		w.sched.requestCpuWorker()
	}
}

// beforeTask implements spec §4.6's "wake capacity for stale queues" hint,
// for NonBlocking tasks only.
func (w *Worker) beforeTask(task *Task) {
	if task.mode != NonBlocking {
		return
	}
	if w.sched.permits.availableCount() <= 0 {
		return
	}
	now := w.sched.clock.Now().UnixNano()
	if task.ageNs(now) < workStealingTimeResolutionNs {
		return
	}
	if now-w.lastExhaustionNs < exhaustionQuietNs {
		return
	}
	w.lastExhaustionNs = now
	w.sched.requestCpuWorker()
}

// runSafely executes the task's Runnable, recovering any panic and
// forwarding it to the scheduler's ExceptionSink (spec §7 category 1).
func (w *Worker) runSafely(task *Task) {
	ctx, span := w.sched.tracer.StartSpan(contextWithWorker(context.Background(), w), taskProcessSpan)
	span.SetTag(taskTagMode, task.mode.String())
	span.SetTag(taskTagQueueNs, fmt.Sprintf("%d", task.ageNs(w.sched.clock.Now().UnixNano())))
	defer span.Finish()

	defer func() {
		if r := recover(); r != nil {
			w.sched.metrics.Counter(MetricTaskPanics).Inc()
			rtp := &recoveredTaskPanic{workerIndex: w.index, sanitized: sanitizePanicMessage(r)}
			capitan.Warn(ctx, SignalTaskPanicked,
				FieldWorkerIndex.Field(w.index),
				FieldPanicMessage.Field(rtp.sanitized))
			w.sched.exceptionSink(ctx, w.index, task, rtp)
			_ = w.sched.hooks.Emit(ctx, HookTaskPanicked, SchedulerEvent{ //nolint:errcheck
				Kind:        EventTaskPanicked,
				WorkerIndex: w.index,
				Recovered:   rtp,
			})
		}
	}()

	w.sched.metrics.Counter(MetricTasksExecuted).Inc()
	task.run(ctx)
}

// afterTask implements spec §4.5's BLOCKING → RETIRING transition.
func (w *Worker) afterTask(task *Task) {
	if task.mode != ProbablyBlocking {
		return
	}
	w.sched.blockingWorkers.Add(-1)
	w.sched.refreshGauges()
	w.setState(stateRetiring)
}

// finish releases any held resources and transitions to FINISHED (spec
// §4.5 "Any state → FINISHED when isTerminated observed true").
func (w *Worker) finish() {
	switch w.getState() {
	case stateCPUAcquired:
		w.sched.permits.release()
	case stateBlocking:
		w.sched.blockingWorkers.Add(-1)
	}
	w.sched.refreshGauges()
	w.setState(stateFinished)
	capitan.Info(context.Background(), SignalWorkerFinished, FieldWorkerIndex.Field(w.index))
}

// spinWait is a cheap busy-loop body: enough work that the compiler can't
// elide it, without any voluntary yield (that's the yield phase's job).
func spinWait() {
	x := 0
	for i := 0; i < 30; i++ {
		x += i
	}
	_ = x
}

type workerContextKey struct{}

func contextWithWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerContextKey{}, w)
}

// WorkerFromContext returns the Worker currently executing the Task whose
// context this is, or nil outside a task's execution. A Runnable that
// wants to spawn child work on its own local queue calls this to get the
// *Worker argument DispatchFrom needs.
func WorkerFromContext(ctx context.Context) *Worker {
	w, _ := ctx.Value(workerContextKey{}).(*Worker)
	return w
}
