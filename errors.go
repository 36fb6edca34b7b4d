package corosched

import "errors"

// Configuration faults, returned synchronously from NewScheduler (spec §7
// category 2: fail fast, never panic the caller).
var (
	ErrInvalidCorePoolSize = errors.New("corosched: corePoolSize must be >= 1")
	ErrInvalidMaxPoolSize  = errors.New("corosched: maxPoolSize must be >= corePoolSize")
	ErrInvalidQueueSize    = errors.New("corosched: queue capacity must be a positive power of two")
)

// ErrSchedulerClosed is returned by operations that are not meaningful
// after Close has been called. Dispatch itself never returns an error to
// the caller (spec §4.1); this is used internally and by APIs that do have
// a return channel for it.
var ErrSchedulerClosed = errors.New("corosched: scheduler is closed")
