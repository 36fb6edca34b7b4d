package corosched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func newTestScheduler(t *testing.T, corePoolSize int, opts ...Option) (*Scheduler, *clockz.FakeClock) {
	t.Helper()
	clock := clockz.NewFakeClock()
	allOpts := append([]Option{WithClock(clock)}, opts...)
	s, err := NewScheduler(corePoolSize, allOpts...)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx) //nolint:errcheck
	})
	return s, clock
}

func TestWorkerInitialStateIsRetiring(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)
	if w.getState() != stateRetiring {
		t.Fatalf("expected initial state RETIRING, got %v", w.getState())
	}
}

func TestWorkerTryAcquireCPU(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)

	if !w.tryAcquireCPU() {
		t.Fatal("expected first acquire to succeed: one core permit available")
	}
	if w.getState() != stateCPUAcquired {
		t.Fatalf("expected state CPU_ACQUIRED, got %v", w.getState())
	}

	w2 := newWorker(s, 1, 2)
	if w2.tryAcquireCPU() {
		t.Fatal("expected second worker's acquire to fail: only one permit configured")
	}
}

func TestWorkerFindTaskPrefersOwnLocalQueueWithoutPermit(t *testing.T) {
	s, clock := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)

	ran := false
	task := newTask(func(context.Context) { ran = true }, NonBlocking, clock)
	w.queue.add(task, s.global)

	// Hold the sole permit elsewhere so this worker runs findTask without one.
	other := newWorker(s, 1, 2)
	if !other.tryAcquireCPU() {
		t.Fatal("expected other worker to acquire the sole permit")
	}

	got := w.findTask()
	if got == nil {
		t.Fatal("expected findTask to return the locally queued task")
	}
	got.run(context.Background())
	if !ran {
		t.Fatal("expected returned task to be the one queued locally")
	}
}

func TestWorkerFindTaskPollsGlobalOnlyWhenAcquired(t *testing.T) {
	s, clock := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)

	task := newTask(noopRunnable, NonBlocking, clock)
	s.global.push(task)

	// Exhaust the sole permit with another holder so this worker can't
	// acquire CPU.
	other := newWorker(s, 1, 2)
	if !other.tryAcquireCPU() {
		t.Fatal("expected other worker to acquire the sole permit")
	}

	if got := w.findTask(); got != nil {
		t.Fatal("expected findTask to return nil: no permit, local queue empty, global not polled")
	}
	if s.global.size() != 1 {
		t.Fatal("expected global task to remain untouched without a permit")
	}
}

func TestWorkerEnterBlockingOrdering(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)

	if !w.tryAcquireCPU() {
		t.Fatal("expected acquire to succeed")
	}
	w.enterBlocking()

	if w.getState() != stateBlocking {
		t.Fatalf("expected state BLOCKING, got %v", w.getState())
	}
	if s.blockingWorkers.Load() != 1 {
		t.Fatalf("expected blockingWorkers=1, got %d", s.blockingWorkers.Load())
	}
	// The permit must have been released back for requestCpuWorker to use.
	if s.permits.availableCount() != 1 {
		t.Fatalf("expected permit released on entering BLOCKING, available=%d", s.permits.availableCount())
	}
}

func TestWorkerIdleResetTransitionsParkingToBlocking(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)
	w.setState(stateParking)

	w.idleReset(ProbablyBlocking, true)

	if w.getState() != stateBlocking {
		t.Fatalf("expected PARKING -> BLOCKING on a ProbablyBlocking wakeup, got %v", w.getState())
	}
	if w.parkTimeNs != minParkTimeNs() {
		t.Fatalf("expected parkTimeNs reset to minimum, got %d", w.parkTimeNs)
	}
}

func TestWorkerIdleResetTransitionsParkingToRetiring(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)
	w.setState(stateParking)

	w.idleReset(NonBlocking, true)

	if w.getState() != stateRetiring {
		t.Fatalf("expected PARKING -> RETIRING on a NonBlocking wakeup, got %v", w.getState())
	}
}

func TestWorkerAfterTaskBlockingToRetiring(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)
	w.setState(stateBlocking)
	s.blockingWorkers.Add(1)

	task := &Task{mode: ProbablyBlocking}
	w.afterTask(task)

	if w.getState() != stateRetiring {
		t.Fatalf("expected BLOCKING -> RETIRING after a blocking task completes, got %v", w.getState())
	}
	if s.blockingWorkers.Load() != 0 {
		t.Fatalf("expected blockingWorkers decremented to 0, got %d", s.blockingWorkers.Load())
	}
}

func TestWorkerAfterTaskLeavesNonBlockingStateAlone(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)
	w.setState(stateCPUAcquired)

	task := &Task{mode: NonBlocking}
	w.afterTask(task)

	if w.getState() != stateCPUAcquired {
		t.Fatalf("expected NonBlocking afterTask to leave state untouched, got %v", w.getState())
	}
}

func TestWorkerRunSafelyRecoversPanicAndInvokesSink(t *testing.T) {
	var gotIndex int
	var gotRecovered any
	sink := func(_ context.Context, workerIndex int, _ *Task, recovered any) {
		gotIndex = workerIndex
		gotRecovered = recovered
	}
	s, clock := newTestScheduler(t, 1, WithExceptionSink(sink))
	w := newWorker(s, 3, 1)

	task := newTask(func(context.Context) { panic(errors.New("boom")) }, NonBlocking, clock)

	// Must not propagate the panic to the test goroutine.
	w.runSafely(task)

	if gotIndex != 3 {
		t.Fatalf("expected sink called with workerIndex 3, got %d", gotIndex)
	}
	rtp, ok := gotRecovered.(*recoveredTaskPanic)
	if !ok {
		t.Fatalf("expected *recoveredTaskPanic, got %T", gotRecovered)
	}
	if rtp.sanitized != "boom" {
		t.Fatalf("expected sanitized message %q, got %q", "boom", rtp.sanitized)
	}
}

func TestWorkerRunSafelyNoPanicDoesNotInvokeSink(t *testing.T) {
	invoked := false
	sink := func(context.Context, int, *Task, any) { invoked = true }
	s, clock := newTestScheduler(t, 1, WithExceptionSink(sink))
	w := newWorker(s, 0, 1)

	ran := false
	task := newTask(func(context.Context) { ran = true }, NonBlocking, clock)
	w.runSafely(task)

	if !ran {
		t.Fatal("expected task to have run")
	}
	if invoked {
		t.Fatal("expected sink not invoked for a task that didn't panic")
	}
}

func TestWorkerFinishReleasesHeldResources(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)

	if !w.tryAcquireCPU() {
		t.Fatal("expected acquire to succeed")
	}
	w.finish()

	if w.getState() != stateFinished {
		t.Fatalf("expected state FINISHED, got %v", w.getState())
	}
	if s.permits.availableCount() != 1 {
		t.Fatalf("expected held permit released on finish, available=%d", s.permits.availableCount())
	}
}

func TestWorkerFromContextRoundTrips(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	w := newWorker(s, 0, 1)

	if got := WorkerFromContext(context.Background()); got != nil {
		t.Fatalf("expected nil outside any task context, got %v", got)
	}

	ctx := contextWithWorker(context.Background(), w)
	if got := WorkerFromContext(ctx); got != w {
		t.Fatalf("expected WorkerFromContext to return the stamped worker, got %v", got)
	}
}

func TestMinParkTimeNsClampedToRange(t *testing.T) {
	min := minParkTimeNs()
	if min < 10 {
		t.Fatalf("expected minParkTimeNs >= 10, got %d", min)
	}
	if min > maxParkTimeNs {
		t.Fatalf("expected minParkTimeNs <= maxParkTimeNs, got %d", min)
	}
}

func TestParkerUnparkBeforeParkIsNotLost(t *testing.T) {
	clock := clockz.NewFakeClock()
	p := newParker(clock)

	p.Unpark()

	done := make(chan struct{})
	go func() {
		p.Park(0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Park to return immediately: an Unpark token was already pending")
	}
}
