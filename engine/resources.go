package engine

import (
	"sync"

	"oss.nandlabs.io/taskflow/job"
)

// resourcePool tracks the engine's CPU and (optional) memory slot
// counters. Both are plain mutex-guarded integers, per spec.md's
// framing of these as simple counters rather than anything fancier.
type resourcePool struct {
	mu sync.Mutex

	cpuTotal int
	cpuUsed  int

	memEnabled bool
	memTotal   int
	memUsed    int
}

func newResourcePool(cpuSlots int, memSlots int, memEnabled bool) *resourcePool {
	return &resourcePool{
		cpuTotal:   cpuSlots,
		memEnabled: memEnabled,
		memTotal:   memSlots,
	}
}

// tryConsume reserves the resources r declares. It returns false
// without reserving anything if either class would be exceeded.
func (p *resourcePool) tryConsume(r job.Resources) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cpuUsed+r.CPU > p.cpuTotal {
		return false
	}
	if r.HasMem && p.memEnabled && p.memUsed+r.Mem > p.memTotal {
		return false
	}
	p.cpuUsed += r.CPU
	if r.HasMem && p.memEnabled {
		p.memUsed += r.Mem
	}
	return true
}

func (p *resourcePool) release(r job.Resources) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cpuUsed -= r.CPU
	if p.cpuUsed < 0 {
		p.cpuUsed = 0
	}
	if r.HasMem && p.memEnabled {
		p.memUsed -= r.Mem
		if p.memUsed < 0 {
			p.memUsed = 0
		}
	}
}

// cpuBlocked reports whether r's CPU request currently exceeds
// available capacity, without attempting to reserve anything. tick
// checks this ahead of Emit so a job that cannot fit is skipped
// without an emit-and-fail round trip.
func (p *resourcePool) cpuBlocked(r job.Resources) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpuUsed+r.CPU > p.cpuTotal
}

func (p *resourcePool) memBlocked(r job.Resources) bool {
	if !r.HasMem || !p.memEnabled {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memUsed+r.Mem > p.memTotal
}
