// Package rpc implements the framed, msgpack-encoded wire protocol spoken
// between a node orchestrator and its worker child processes over a local
// Unix domain socket.
package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameLen bounds a single frame's payload so a corrupt length prefix
// can never make the orchestrator allocate an unbounded buffer.
const MaxFrameLen = 64 << 20 // 64 MiB

// Tag discriminates the Message variant. Tag numbers are part of the wire
// contract: a new variant appends a tag, existing tags never change.
type Tag uint8

const (
	TagWorkerReady Tag = iota
	TagTaskAssignment
	TagTaskResult
	TagShutdown
	TagHeartbeat
	// TagRouteRegistry is reserved for a broader protocol variant set the
	// source carried before this orchestrator's scope was cut down to
	// size. No code in this module constructs or handles it; it exists so
	// a future adapter that needs it does not have to renumber anything.
	TagRouteRegistry
)

// ResourceRequirements describes what a task needs from a worker.
type ResourceRequirements struct {
	NumCPUs  float64 `msgpack:"num_cpus"`
	NumGPUs  float64 `msgpack:"num_gpus"`
	MemoryGB float64 `msgpack:"memory_gb"`
}

// DefaultResourceRequirements is the baseline request for a task that
// declares no resource needs of its own: 1 CPU, 0 GPU, 1GB.
func DefaultResourceRequirements() ResourceRequirements {
	return ResourceRequirements{NumCPUs: 1.0, NumGPUs: 0.0, MemoryGB: 1.0}
}

// ResourceCapabilities describes what a worker declares it can do.
type ResourceCapabilities struct {
	NumCPUs  float64 `msgpack:"num_cpus"`
	NumGPUs  float64 `msgpack:"num_gpus"`
	MemoryGB float64 `msgpack:"memory_gb"`
}

// Message is the tagged-variant envelope exchanged on a worker socket.
// Exactly one of the typed fields is meaningful, selected by Tag.
type Message struct {
	Tag Tag `msgpack:"tag"`

	WorkerReady    *WorkerReadyMsg    `msgpack:"worker_ready,omitempty"`
	TaskAssignment *TaskAssignmentMsg `msgpack:"task_assignment,omitempty"`
	TaskResult     *TaskResultMsg     `msgpack:"task_result,omitempty"`
	Shutdown       *ShutdownMsg       `msgpack:"shutdown,omitempty"`
	Heartbeat      *HeartbeatMsg      `msgpack:"heartbeat,omitempty"`
}

type WorkerReadyMsg struct {
	WorkerID     string               `msgpack:"worker_id"`
	PID          int                  `msgpack:"pid"`
	Capabilities ResourceCapabilities `msgpack:"capabilities"`
}

type TaskAssignmentMsg struct {
	TaskID       string               `msgpack:"task_id"`
	FunctionName string               `msgpack:"function_name"`
	Args         Value                `msgpack:"args"`
	Resources    ResourceRequirements `msgpack:"resources"`
}

type TaskResultMsg struct {
	TaskID  string `msgpack:"task_id"`
	Success bool   `msgpack:"success"`
	Result  Value  `msgpack:"result"`
}

type ShutdownMsg struct {
	Graceful bool `msgpack:"graceful"`
}

type HeartbeatMsg struct {
	WorkerID string `msgpack:"worker_id"`
}

func NewWorkerReady(workerID string, pid int, caps ResourceCapabilities) Message {
	return Message{Tag: TagWorkerReady, WorkerReady: &WorkerReadyMsg{WorkerID: workerID, PID: pid, Capabilities: caps}}
}

func NewTaskAssignment(taskID, functionName string, args Value, res ResourceRequirements) Message {
	return Message{Tag: TagTaskAssignment, TaskAssignment: &TaskAssignmentMsg{
		TaskID: taskID, FunctionName: functionName, Args: args, Resources: res,
	}}
}

func NewTaskResult(taskID string, success bool, result Value) Message {
	return Message{Tag: TagTaskResult, TaskResult: &TaskResultMsg{TaskID: taskID, Success: success, Result: result}}
}

func NewShutdown(graceful bool) Message {
	return Message{Tag: TagShutdown, Shutdown: &ShutdownMsg{Graceful: graceful}}
}

func NewHeartbeat(workerID string) Message {
	return Message{Tag: TagHeartbeat, Heartbeat: &HeartbeatMsg{WorkerID: workerID}}
}

// ToBytes serializes a Message to msgpack.
func (m Message) ToBytes() ([]byte, error) {
	return msgpack.Marshal(m)
}

// MessageFromBytes deserializes a Message from msgpack, validating that
// exactly the variant named by Tag was populated.
func MessageFromBytes(b []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("rpc: decode message: %w", err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) validate() error {
	switch m.Tag {
	case TagWorkerReady:
		if m.WorkerReady == nil {
			return fmt.Errorf("rpc: %w: tag=worker_ready has no payload", ErrProtocol)
		}
	case TagTaskAssignment:
		if m.TaskAssignment == nil {
			return fmt.Errorf("rpc: %w: tag=task_assignment has no payload", ErrProtocol)
		}
	case TagTaskResult:
		if m.TaskResult == nil {
			return fmt.Errorf("rpc: %w: tag=task_result has no payload", ErrProtocol)
		}
	case TagShutdown:
		if m.Shutdown == nil {
			return fmt.Errorf("rpc: %w: tag=shutdown has no payload", ErrProtocol)
		}
	case TagHeartbeat:
		if m.Heartbeat == nil {
			return fmt.Errorf("rpc: %w: tag=heartbeat has no payload", ErrProtocol)
		}
	case TagRouteRegistry:
		return fmt.Errorf("rpc: %w: tag=route_registry is reserved, not handled", ErrProtocol)
	default:
		return fmt.Errorf("rpc: %w: unknown tag %d", ErrProtocol, m.Tag)
	}
	return nil
}

// WriteFrame writes [4-byte big-endian length][payload] to w and flushes
// if w is a *bufio.Writer. send/recv on a single socket is strictly FIFO;
// callers are responsible for serializing concurrent access (see
// orchestrator.Handle, which owns a mutex around exactly this call).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("rpc: frame of %d bytes exceeds max %d", len(payload), MaxFrameLen)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("rpc: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("rpc: write payload: %w", err)
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// ReadFrame reads one [length][payload] frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("rpc: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("rpc: frame of %d bytes exceeds max %d", n, MaxFrameLen)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("rpc: read payload: %w", err)
	}
	return payload, nil
}

// SendMessage frames and writes a Message.
func SendMessage(w io.Writer, m Message) error {
	payload, err := m.ToBytes()
	if err != nil {
		return fmt.Errorf("rpc: encode message: %w", err)
	}
	return WriteFrame(w, payload)
}

// RecvMessage reads and decodes one framed Message.
func RecvMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return MessageFromBytes(payload)
}
