package corosched

import (
	"time"

	"github.com/zoobzio/clockz"
)

// Clock is the monotonic nanosecond time source the scheduler consumes.
// It is satisfied directly by clockz.Clock (both RealClock and any
// clockz.FakeClock used in tests), and is named separately here because
// spec-wise it's a host primitive this package only consumes, never
// implements from scratch.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// defaultClock returns the real wall clock used when no WithClock option
// is supplied.
func defaultClock() Clock {
	return clockz.RealClock
}
