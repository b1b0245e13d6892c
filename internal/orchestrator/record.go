package orchestrator

import (
	"time"

	"github.com/neutrino-sh/neutrino-go/internal/rpc"
)

// Lifecycle is a worker's place in its state machine.
type Lifecycle int

const (
	Starting Lifecycle = iota
	Idle
	Busy
	Recycling
)

func (s Lifecycle) String() string {
	switch s {
	case Starting:
		return "starting"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Recycling:
		return "recycling"
	default:
		return "unknown"
	}
}

// Allocation is the current sum of outstanding task requirements on a
// worker. It is always kept within [0, capabilities].
type Allocation struct {
	CPUs     float64
	GPUs     float64
	MemoryGB float64
}

func (a *Allocation) allocate(req rpc.ResourceRequirements) {
	a.CPUs += req.NumCPUs
	a.GPUs += req.NumGPUs
	a.MemoryGB += req.MemoryGB
}

func (a *Allocation) deallocate(req rpc.ResourceRequirements) {
	a.CPUs = clampNonNegative(a.CPUs - req.NumCPUs)
	a.GPUs = clampNonNegative(a.GPUs - req.NumGPUs)
	a.MemoryGB = clampNonNegative(a.MemoryGB - req.MemoryGB)
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// RecycleThresholds configures Record.ShouldRecycle.
type RecycleThresholds struct {
	MaxTasksPerWorker uint64
	MaxMemoryMB       uint64
	MaxLifetime       time.Duration
}

// Record is the in-memory bookkeeping for one live worker: identity,
// lifecycle, declared capability, and current allocation. It never touches
// the socket or the child process directly — that belongs to Handle.
type Record struct {
	ID         string
	PID        int
	Lifecycle  Lifecycle
	Pool       string
	PoolIndex  int
	GPUDevices []int

	Capabilities rpc.ResourceCapabilities
	Allocation   Allocation

	TasksCompleted  uint64
	SpawnTime       time.Time
	CurrentMemoryMB uint64
	SocketPath      string
}

// HasCapacity reports whether every dimension has enough headroom for req.
func (r *Record) HasCapacity(req rpc.ResourceRequirements) bool {
	avail := r.availableCPUs()
	if avail < req.NumCPUs {
		return false
	}
	if r.availableGPUs() < req.NumGPUs {
		return false
	}
	if r.availableMemoryGB() < req.MemoryGB {
		return false
	}
	return true
}

func (r *Record) availableCPUs() float64     { return r.Capabilities.NumCPUs - r.Allocation.CPUs }
func (r *Record) availableGPUs() float64     { return r.Capabilities.NumGPUs - r.Allocation.GPUs }
func (r *Record) availableMemoryGB() float64 { return r.Capabilities.MemoryGB - r.Allocation.MemoryGB }

// Allocate records a new outstanding task's resource requirements.
func (r *Record) Allocate(req rpc.ResourceRequirements) {
	r.Allocation.allocate(req)
}

// Deallocate releases a completed/failed task's resource requirements.
func (r *Record) Deallocate(req rpc.ResourceRequirements) {
	r.Allocation.deallocate(req)
}

// ShouldRecycle reports whether any rotation threshold has been crossed.
func (r *Record) ShouldRecycle(cfg RecycleThresholds) bool {
	if cfg.MaxTasksPerWorker > 0 && r.TasksCompleted >= cfg.MaxTasksPerWorker {
		return true
	}
	if cfg.MaxMemoryMB > 0 && r.CurrentMemoryMB >= cfg.MaxMemoryMB {
		return true
	}
	if cfg.MaxLifetime > 0 && time.Since(r.SpawnTime) >= cfg.MaxLifetime {
		return true
	}
	return false
}

// IsGPUWorker reports whether this worker advertises any GPU capacity.
func (r *Record) IsGPUWorker() bool { return r.Capabilities.NumGPUs > 0 }
