package corosched

import "context"

// Mode is a hint indicating whether a Task is expected to block.
// NonBlocking tasks count toward CPU permits; ProbablyBlocking tasks do
// not, allowing the pool to grow elastically to absorb them.
type Mode int

const (
	// NonBlocking marks a task expected to be short and CPU-bound.
	NonBlocking Mode = iota
	// ProbablyBlocking marks a task that may block (I/O, locks, sleeps).
	ProbablyBlocking
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case NonBlocking:
		return "non-blocking"
	case ProbablyBlocking:
		return "probably-blocking"
	default:
		return "unknown"
	}
}

// Runnable is the unit of work a Task wraps. It receives a context that
// carries the executing Worker (see WorkerFromContext) and is never
// canceled; the scheduler never cancels a running task (see Non-goals: no
// preemption).
type Runnable func(ctx context.Context)

// Task is a submitted unit of work plus its submission timestamp and mode.
// A Task is immutable once constructed; submittedAt is set once, at
// dispatch time, from the Scheduler's Clock.
type Task struct {
	run         Runnable
	submittedAt int64 // monotonic nanoseconds, from Clock.Now()
	mode        Mode
}

// newTask constructs a Task stamped with the current time from clock.
func newTask(run Runnable, mode Mode, clock Clock) *Task {
	return &Task{
		run:         run,
		submittedAt: clock.Now().UnixNano(),
		mode:        mode,
	}
}

// ageNs returns how long ago (in nanoseconds) the task was submitted,
// relative to the given "now" in the same clock's epoch.
func (t *Task) ageNs(nowNs int64) int64 {
	return nowNs - t.submittedAt
}

// AddResult reports the outcome of attempting to add a Task to a queue.
type AddResult int

const (
	// Added means the task was accepted without needing extra CPU help.
	Added AddResult = iota
	// AddedRequiresHelp means the task was accepted, but a CPU worker
	// should also be requested (queue watermark crossed, or a blocking
	// worker just started CPU work).
	AddedRequiresHelp
	// NotAdded means the task could not be added locally and must be
	// routed to the global queue.
	NotAdded
)
