package corosched

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// cpuPermits is a counting semaphore gating admission to CPU-bound
// scheduling. Only a permit holder may poll the global queue or steal
// (spec §4.6 findTask, §3 CpuPermits). Built on golang.org/x/sync/semaphore
// rather than a bare channel because corePoolSize is a scheduler-wide
// invariant several call sites need to read back (diagnostics, the
// cpuWorkers < corePoolSize comparison in requestCpuWorker) — see
// DESIGN.md for why this is a weighted semaphore rather than the
// channel-slot pattern the teacher used for a single connector's bounded
// concurrency.
type cpuPermits struct {
	sem       *semaphore.Weighted
	corePool  int32
	available atomic.Int32 // mirrors sem's count for O(1) diagnostic reads
}

func newCPUPermits(corePoolSize int) *cpuPermits {
	p := &cpuPermits{
		sem:      semaphore.NewWeighted(int64(corePoolSize)),
		corePool: int32(corePoolSize),
	}
	p.available.Store(int32(corePoolSize))
	return p
}

// tryAcquire attempts to acquire one permit without blocking.
func (p *cpuPermits) tryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.available.Add(-1)
	return true
}

// release returns one permit to the pool.
func (p *cpuPermits) release() {
	p.sem.Release(1)
	p.available.Add(1)
}

// availableCount is an approximate, racy read of the current permit count.
func (p *cpuPermits) availableCount() int {
	return int(p.available.Load())
}

// corePoolSize returns the total number of permits the scheduler was
// constructed with.
func (p *cpuPermits) corePoolSize() int {
	return int(p.corePool)
}
