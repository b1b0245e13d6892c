package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neutrino-sh/neutrino-go/internal/orchestrator/resilience"
	"github.com/neutrino-sh/neutrino-go/internal/rpc"
)

// PoolSpec describes one homogeneous group of workers to bring up — all
// workers in a pool share an app module and a capability profile, and
// compete for the same GPU device set (if any).
type PoolSpec struct {
	Name         string
	Count        int
	AppModule    string
	BinaryPath   string
	Capabilities rpc.ResourceCapabilities
	GPUDevices   []int // device indices available to this pool, assigned round-robin across its workers
}

// Orchestrator owns every worker in a node: it spawns them, dispatches
// tasks to the best match, and recycles workers past their rotation
// thresholds. It does not listen on a network socket itself — that is the
// HTTP adapter's job, built on top of this type.
type Orchestrator struct {
	mu        sync.Mutex
	workers   []*Handle
	specs     []PoolSpec
	socketDir string
	nextIdx   int

	circuits *resilience.CircuitManager
}

// New constructs an Orchestrator for the given pool specs. Call Start to
// spawn the actual worker processes.
func New(specs []PoolSpec, socketDir string) *Orchestrator {
	o := &Orchestrator{
		specs:     specs,
		socketDir: socketDir,
		circuits:  resilience.NewCircuitManager(resilience.DefaultCircuitConfig()),
	}
	o.circuits.OnStateChange(o.onCircuitStateChange)
	return o
}

// onCircuitStateChange forces a worker into Recycling the instant its
// breaker opens, rather than waiting for the next recycler tick to notice.
// The actual replacement spawn still happens on the Recycler's schedule.
func (o *Orchestrator) onCircuitStateChange(workerID string, from, to resilience.CircuitState) {
	if to != resilience.CircuitOpen {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, h := range o.workers {
		if h.Worker.ID == workerID && h.Worker.Lifecycle != Recycling {
			log.Warn().Str("worker_id", workerID).Msg("circuit breaker open, forcing worker recycle")
			h.Worker.Lifecycle = Recycling
		}
	}
}

// Start spawns every worker across every configured pool. GPU devices
// within a pool are assigned to workers round-robin (pool_idx % len(devices)),
// mirroring a multi-worker-per-device oversubscription model. An empty
// pool list, or any single spawn failure, is fatal — a node that cannot
// bring up its declared capacity should not silently run short.
func (o *Orchestrator) Start(ctx context.Context) error {
	if len(o.specs) == 0 {
		return fmt.Errorf("orchestrator: %w: no pools configured", ErrSpawnFailure)
	}

	for _, spec := range o.specs {
		if spec.Count <= 0 {
			return fmt.Errorf("orchestrator: %w: pool %q has non-positive count %d", ErrSpawnFailure, spec.Name, spec.Count)
		}
		for i := 0; i < spec.Count; i++ {
			var devices []int
			if len(spec.GPUDevices) > 0 {
				devices = []int{spec.GPUDevices[i%len(spec.GPUDevices)]}
			}

			h, err := Spawn(ctx, SpawnSpec{
				WorkerID:     fmt.Sprintf("%s-%d", spec.Name, i),
				Pool:         spec.Name,
				PoolIndex:    i,
				BinaryPath:   spec.BinaryPath,
				AppModule:    spec.AppModule,
				Capabilities: spec.Capabilities,
				GPUDevices:   devices,
				SocketDir:    o.socketDir,
			})
			if err != nil {
				o.Shutdown(ctx)
				return err
			}
			if err := h.WaitReady(); err != nil {
				h.Kill()
				o.Shutdown(ctx)
				return err
			}

			o.mu.Lock()
			o.workers = append(o.workers, h)
			o.mu.Unlock()
		}
	}

	log.Info().Int("workers", len(o.workers)).Msg("orchestrator started")
	return nil
}

// Workers returns a snapshot of every live worker handle.
func (o *Orchestrator) Workers() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Handle, len(o.workers))
	copy(out, o.workers)
	return out
}

// Snapshot returns a locked copy of h's bookkeeping fields. Dispatch mutates
// a Record's Lifecycle, Allocation, and TasksCompleted under o.mu; any other
// reader of those fields (the recycler, the HTTP status/capacity handlers)
// must go through here instead of reading h.Worker directly.
func (o *Orchestrator) Snapshot(h *Handle) Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *h.Worker
}

// LifecycleOf returns h's current lifecycle under lock.
func (o *Orchestrator) LifecycleOf(h *Handle) Lifecycle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return h.Worker.Lifecycle
}

// SetMemoryMB records h's last-sampled RSS under lock.
func (o *Orchestrator) SetMemoryMB(h *Handle, mb uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h.Worker.CurrentMemoryMB = mb
}

// ShouldRecycle reports whether h has crossed a rotation threshold, reading
// its counters under lock rather than racing Dispatch's bookkeeping.
func (o *Orchestrator) ShouldRecycle(h *Handle, thresholds RecycleThresholds) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return h.Worker.ShouldRecycle(thresholds)
}

// MarkRecycling transitions h from Idle to Recycling under lock, removing
// it from the selectable set before the caller starts replacing it. Returns
// false if h was no longer Idle by the time the lock was acquired (e.g. it
// picked up a task between the threshold check and this call), in which
// case the caller should leave it alone this tick rather than kill a worker
// that's mid-task.
func (o *Orchestrator) MarkRecycling(h *Handle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h.Worker.Lifecycle != Idle {
		return false
	}
	h.Worker.Lifecycle = Recycling
	return true
}

// FindWorkerWithResources runs the three-pass resource-aware dispatch
// algorithm:
//
//  1. Idle workers whose capability profile matches the request's GPU
//     requirement (GPU task -> GPU worker, CPU task -> CPU-only worker)
//     and that have capacity, taking the first match scanning from the
//     round-robin cursor.
//  2. Any-state (not just Idle) workers under the same profile match,
//     so a Busy-but-not-full worker can still take more work.
//  3. For CPU-only tasks, any worker regardless of profile — including GPU
//     workers — as long as it has spare CPU/memory capacity. GPU tasks are
//     never relaxed onto a CPU-only worker; relaxation only widens, it
//     never breaks the GPU affinity contract.
//
// Returns ErrInsufficientResources if no pass finds a candidate.
func (o *Orchestrator) FindWorkerWithResources(req rpc.ResourceRequirements) (*Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx, err := o.findIndexLocked(req)
	if err != nil {
		return nil, err
	}
	return o.selectAt(idx), nil
}

// findIndexLocked runs the three passes and returns the winning index, or
// an error if none match. Called with o.mu held.
func (o *Orchestrator) findIndexLocked(req rpc.ResourceRequirements) (int, error) {
	if len(o.workers) == 0 {
		return -1, fmt.Errorf("orchestrator: %w: no workers configured", ErrInsufficientResources)
	}

	isGPUTask := req.NumGPUs > 0

	if idx := o.pass(req, true, true, isGPUTask); idx >= 0 {
		return idx, nil
	}
	if idx := o.pass(req, false, true, isGPUTask); idx >= 0 {
		return idx, nil
	}
	if !isGPUTask {
		if idx := o.pass(req, false, false, isGPUTask); idx >= 0 {
			return idx, nil
		}
	}

	return -1, fmt.Errorf("orchestrator: %w: no worker matches %+v across %d workers", ErrInsufficientResources, req, len(o.workers))
}

// findAndAllocate selects a worker and allocates req onto it as one atomic
// step under o.mu, so two concurrent Dispatch calls can never both pass
// HasCapacity for the same worker before either allocation lands (unlike
// calling FindWorkerWithResources followed by a separate locked Allocate).
func (o *Orchestrator) findAndAllocate(req rpc.ResourceRequirements) (*Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx, err := o.findIndexLocked(req)
	if err != nil {
		return nil, err
	}

	h := o.selectAt(idx)
	h.Worker.Lifecycle = Busy
	h.Worker.Allocate(req)
	return h, nil
}

// selectAt advances the round-robin cursor past idx and returns the worker
// there. Called with o.mu held.
func (o *Orchestrator) selectAt(idx int) *Handle {
	o.nextIdx = (idx + 1) % len(o.workers)
	return o.workers[idx]
}

// pass scans all workers once starting at nextIdx and wrapping modulo pool
// size, applying the given idleOnly/requireProfileMatch constraints, and
// returns the index of the first match or -1. Called with o.mu held.
func (o *Orchestrator) pass(req rpc.ResourceRequirements, idleOnly, requireProfileMatch, isGPUTask bool) int {
	n := len(o.workers)
	for i := 0; i < n; i++ {
		idx := (o.nextIdx + i) % n
		r := o.workers[idx].Worker
		if idleOnly && r.Lifecycle != Idle {
			continue
		}
		if !idleOnly && r.Lifecycle != Idle && r.Lifecycle != Busy {
			continue
		}
		if requireProfileMatch {
			if isGPUTask && !r.IsGPUWorker() {
				continue
			}
			if !isGPUTask && r.IsGPUWorker() {
				continue
			}
		}
		if !r.HasCapacity(req) {
			continue
		}
		return idx
	}
	return -1
}

// Dispatch sends one task to the best-matched worker and waits for its
// result, handling the full Idle->Busy->Idle transition, resource
// accounting, and circuit-breaker bookkeeping around the round trip. A
// positive timeout bounds the send+recv round trip itself; zero means no
// deadline.
func (o *Orchestrator) Dispatch(taskID, functionName string, args rpc.Value, req rpc.ResourceRequirements, timeout time.Duration) (rpc.Value, error) {
	h, err := o.findAndAllocate(req)
	if err != nil {
		return rpc.Value{}, err
	}

	if o.circuits.IsOpen(h.Worker.ID) {
		o.mu.Lock()
		h.Worker.Deallocate(req)
		if h.Worker.Lifecycle == Busy {
			h.Worker.Lifecycle = Idle
		}
		o.mu.Unlock()
		return rpc.Value{}, fmt.Errorf("orchestrator: %w: worker %s circuit breaker open", ErrWorkerCommunication, h.Worker.ID)
	}

	raw, execErr := o.circuits.Execute(h.Worker.ID, func() (interface{}, error) {
		h.Lock()
		defer h.Unlock()
		if timeout > 0 {
			_ = h.SetDeadline(time.Now().Add(timeout))
			defer h.SetDeadline(time.Time{})
		}
		if err := h.Send(rpc.NewTaskAssignment(taskID, functionName, args, req)); err != nil {
			return rpc.Message{}, err
		}
		return h.Recv()
	})

	// A breaker that opened during this round trip has already marked the
	// worker Recycling; leave that in place for the Recycler.
	o.mu.Lock()
	h.Worker.Deallocate(req)
	if h.Worker.Lifecycle == Busy {
		h.Worker.Lifecycle = Idle
	}
	o.mu.Unlock()

	if execErr != nil {
		return rpc.Value{}, execErr
	}

	msg := raw.(rpc.Message)
	if msg.Tag != rpc.TagTaskResult {
		return rpc.Value{}, fmt.Errorf("orchestrator: %w: worker %s replied with %v instead of task_result", ErrProtocol, h.Worker.ID, msg.Tag)
	}

	o.mu.Lock()
	h.Worker.TasksCompleted++
	o.mu.Unlock()

	result := msg.TaskResult
	if !result.Success {
		return result.Result, fmt.Errorf("orchestrator: task %s failed on worker %s", taskID, h.Worker.ID)
	}
	return result.Result, nil
}

// Replace swaps out old at its pool slot for a freshly spawned worker,
// preserving id, pool, and GPU binding. Used by both forced recycles
// (communication faults) and threshold-based recycles (Recycler). Callers
// must already have taken old out of the selectable set (Lifecycle ==
// Recycling) before calling Replace — onCircuitStateChange and the
// Recycler's MarkRecycling call both do this under o.mu beforehand, so a
// concurrent Dispatch can never be sent to old while it spawns and waits
// for its replacement to become ready.
func (o *Orchestrator) Replace(ctx context.Context, old *Handle) (*Handle, error) {
	spec, err := o.specFor(old.Worker.Pool)
	if err != nil {
		return nil, err
	}

	fresh, err := Spawn(ctx, SpawnSpec{
		WorkerID:     old.Worker.ID,
		Pool:         old.Worker.Pool,
		PoolIndex:    old.Worker.PoolIndex,
		BinaryPath:   spec.BinaryPath,
		AppModule:    spec.AppModule,
		Capabilities: spec.Capabilities,
		GPUDevices:   old.Worker.GPUDevices,
		SocketDir:    o.socketDir,
	})
	if err != nil {
		return nil, err
	}
	if err := fresh.WaitReady(); err != nil {
		fresh.Kill()
		return nil, err
	}

	old.Kill()
	o.circuits.Remove(old.Worker.ID)

	o.mu.Lock()
	for i, h := range o.workers {
		if h == old {
			o.workers[i] = fresh
			break
		}
	}
	o.mu.Unlock()

	log.Info().Str("worker_id", fresh.Worker.ID).Msg("worker recycled")
	return fresh, nil
}

func (o *Orchestrator) specFor(pool string) (PoolSpec, error) {
	for _, s := range o.specs {
		if s.Name == pool {
			return s, nil
		}
	}
	return PoolSpec{}, fmt.Errorf("orchestrator: no pool spec named %q", pool)
}

// Shutdown gracefully stops every worker. Errors from individual workers
// are logged, not returned — shutdown proceeds best-effort across the
// whole fleet regardless of any one worker's cooperation.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	workers := make([]*Handle, len(o.workers))
	copy(workers, o.workers)
	o.workers = nil
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range workers {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Str("worker_id", h.Worker.ID).Msg("worker shutdown error")
			}
		}(h)
	}
	wg.Wait()
}
