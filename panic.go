package corosched

import (
	"context"
	"fmt"
)

// ExceptionSink is the host primitive named in spec §6: the scheduler
// forwards every recovered task panic here instead of letting it escape
// and bring down the worker's goroutine. The default sink is a no-op (see
// defaultExceptionSink); embedders can supply their own via
// WithExceptionSink to integrate with their own crash reporting.
type ExceptionSink func(ctx context.Context, workerIndex int, task *Task, recovered any)

// defaultExceptionSink is intentionally a no-op: runSafely logs the panic
// (capitan.Warn) before calling the sink and emits the hookz event right
// after it, so the default install adds nothing beyond what an embedder
// gets for free. Supply WithExceptionSink to route panics
// somewhere else (crash reporting, process-level alerting, a dead-letter
// queue).
func defaultExceptionSink(context.Context, int, *Task, any) {}

// recoveredTaskPanic wraps a sanitized panic value recovered from a user
// Runnable. It's never returned to a caller (Dispatch has no error return);
// it only exists so the exception sink has a typed, safely-stringified
// value to log instead of the raw recover() result, which may hold
// references the sink shouldn't retain.
type recoveredTaskPanic struct {
	workerIndex int
	sanitized   string
}

func (p *recoveredTaskPanic) Error() string {
	return fmt.Sprintf("worker %d: task panicked: %s", p.workerIndex, p.sanitized)
}

// sanitizePanicMessage stringifies a recovered panic value defensively:
// error and fmt.Stringer values use their own formatting, everything else
// falls back to %v, which never itself panics.
func sanitizePanicMessage(recovered any) string {
	switch v := recovered.(type) {
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
