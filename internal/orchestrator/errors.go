package orchestrator

import "errors"

// Error kinds surfaced by the core to its HTTP adapter. Names are
// conceptual, not exhaustive of every failure — they're what the adapter
// switches on to pick a status code.
var (
	// ErrInsufficientResources: no worker matched the request even after
	// pass-3 relaxation. Maps to a 503-class response.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrWorkerCommunication: socket I/O, framing, or decode failure
	// talking to a worker. Resources are deallocated and the worker reset
	// to Idle before this is returned, unless its circuit breaker opened
	// on this failure, in which case it stays Recycling.
	ErrWorkerCommunication = errors.New("worker communication error")

	// ErrProtocol: the worker sent an unexpected message variant.
	ErrProtocol = errors.New("protocol error")

	// ErrSpawnFailure: child process or socket bind failed.
	ErrSpawnFailure = errors.New("spawn failure")
)
