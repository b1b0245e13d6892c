package orchestrator

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neutrino-sh/neutrino-go/internal/rpc"
)

// acceptTimeout bounds how long Spawn waits for the child to connect back
// on the listening socket. Exceeding it is fatal to the spawn attempt.
const acceptTimeout = 10 * time.Second

// Handle owns one child worker process and its one connected Unix socket.
// send/recv on the socket is strictly FIFO and mutually exclusive — callers
// acquire ioMu for the duration of one request's send+recv pair.
type Handle struct {
	Worker *Record

	ioMu sync.Mutex
	conn net.Conn
	cmd  *exec.Cmd

	socketDir string
}

// SpawnSpec describes one worker to bring up.
type SpawnSpec struct {
	WorkerID     string
	Pool         string
	PoolIndex    int
	BinaryPath   string // path to the worker-runtime launcher
	AppModule    string
	Capabilities rpc.ResourceCapabilities
	GPUDevices   []int // device indices assigned to this worker, may be empty
	SocketDir    string
}

// Spawn starts the child process, binds its listening socket first (so the
// child can connect the instant it starts), and blocks until the child
// connects or acceptTimeout elapses.
func Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error) {
	socketDir := spec.SocketDir
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	socketPath := filepath.Join(socketDir, fmt.Sprintf("neutrino-%s.sock", spec.WorkerID))

	// Remove any stale socket file from a previous crashed run before
	// binding, so a restart after a crash doesn't fail to bind.
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w: bind socket for %s: %v", ErrSpawnFailure, spec.WorkerID, err)
	}

	cmd := buildWorkerCommand(spec, socketPath)
	if err := cmd.Start(); err != nil {
		listener.Close()
		os.Remove(socketPath)
		return nil, fmt.Errorf("orchestrator: %w: start worker %s: %v", ErrSpawnFailure, spec.WorkerID, err)
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	var conn net.Conn
	select {
	case res := <-acceptCh:
		listener.Close()
		if res.err != nil {
			_ = cmd.Process.Kill()
			os.Remove(socketPath)
			return nil, fmt.Errorf("orchestrator: %w: accept from worker %s: %v", ErrSpawnFailure, spec.WorkerID, res.err)
		}
		conn = res.conn
	case <-time.After(acceptTimeout):
		listener.Close()
		_ = cmd.Process.Kill()
		os.Remove(socketPath)
		return nil, fmt.Errorf("orchestrator: %w: worker %s did not connect within %s", ErrSpawnFailure, spec.WorkerID, acceptTimeout)
	case <-ctx.Done():
		listener.Close()
		_ = cmd.Process.Kill()
		os.Remove(socketPath)
		return nil, fmt.Errorf("orchestrator: %w: spawn of %s canceled: %v", ErrSpawnFailure, spec.WorkerID, ctx.Err())
	}

	h := &Handle{
		Worker: &Record{
			ID:         spec.WorkerID,
			PID:        cmd.Process.Pid,
			Lifecycle:  Starting,
			Pool:       spec.Pool,
			PoolIndex:  spec.PoolIndex,
			GPUDevices: spec.GPUDevices,

			Capabilities: spec.Capabilities,
			SpawnTime:    time.Now(),
			SocketPath:   socketPath,
		},
		conn:      conn,
		cmd:       cmd,
		socketDir: socketDir,
	}

	log.Info().Str("worker_id", spec.WorkerID).Int("pid", cmd.Process.Pid).Str("socket", socketPath).Msg("worker process spawned")
	return h, nil
}

// buildWorkerCommand constructs the launcher command: the child receives
// socket path, worker id, app module, and the three capability floats as
// positional args; PYTHONPATH and CUDA_VISIBLE_DEVICES are set in its
// environment.
func buildWorkerCommand(spec SpawnSpec, socketPath string) *exec.Cmd {
	cwd, _ := os.Getwd()
	pythonDir := filepath.Join(cwd, "python")

	cmd := exec.Command(spec.BinaryPath,
		socketPath,
		spec.WorkerID,
		spec.AppModule,
		strconv.FormatFloat(spec.Capabilities.NumCPUs, 'f', -1, 64),
		strconv.FormatFloat(spec.Capabilities.NumGPUs, 'f', -1, 64),
		strconv.FormatFloat(spec.Capabilities.MemoryGB, 'f', -1, 64),
	)

	env := os.Environ()
	existingPythonPath := os.Getenv("PYTHONPATH")
	var newPythonPath string
	if existingPythonPath == "" {
		newPythonPath = fmt.Sprintf("%s:%s", cwd, pythonDir)
	} else {
		newPythonPath = fmt.Sprintf("%s:%s:%s", existingPythonPath, cwd, pythonDir)
	}
	env = append(env, "PYTHONPATH="+newPythonPath)

	if len(spec.GPUDevices) > 0 {
		env = append(env, "CUDA_VISIBLE_DEVICES="+joinInts(spec.GPUDevices))
	} else if spec.Capabilities.NumGPUs == 0 {
		env = append(env, "CUDA_VISIBLE_DEVICES=")
	}

	cmd.Env = env
	cmd.Dir = cwd
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

func joinInts(vs []int) string {
	out := ""
	for i, v := range vs {
		if i > 0 {
			out += ","
		}
		out += strconv.Itoa(v)
	}
	return out
}

// WaitReady blocks for the worker's first message, which must be
// WorkerReady. Any other first message is fatal — the child is
// misbehaving and cannot be trusted to run tasks.
func (h *Handle) WaitReady() error {
	msg, err := rpc.RecvMessage(h.conn)
	if err != nil {
		return fmt.Errorf("orchestrator: %w: reading ready handshake from %s: %v", ErrSpawnFailure, h.Worker.ID, err)
	}
	if msg.Tag != rpc.TagWorkerReady {
		return fmt.Errorf("orchestrator: %w: worker %s sent %v instead of WorkerReady", ErrSpawnFailure, h.Worker.ID, msg.Tag)
	}

	ready := msg.WorkerReady
	// Workers are authoritative about their own capacity: what they
	// declare on WorkerReady replaces whatever was passed at spawn time.
	h.Worker.Capabilities = ready.Capabilities
	h.Worker.Lifecycle = Idle

	log.Info().
		Str("worker_id", h.Worker.ID).
		Int("pid", ready.PID).
		Float64("cpus", ready.Capabilities.NumCPUs).
		Float64("gpus", ready.Capabilities.NumGPUs).
		Float64("memory_gb", ready.Capabilities.MemoryGB).
		Msg("worker ready")
	return nil
}

// Send writes one framed message to the worker.
func (h *Handle) Send(msg rpc.Message) error {
	if err := rpc.SendMessage(h.conn, msg); err != nil {
		return fmt.Errorf("orchestrator: %w: %v", ErrWorkerCommunication, err)
	}
	return nil
}

// Recv reads one framed message from the worker.
func (h *Handle) Recv() (rpc.Message, error) {
	msg, err := rpc.RecvMessage(h.conn)
	if err != nil {
		return rpc.Message{}, fmt.Errorf("orchestrator: %w: %v", ErrWorkerCommunication, err)
	}
	return msg, nil
}

// SetDeadline bounds how long the next Send/Recv pair may take on this
// worker's socket. A zero time.Time clears any deadline.
func (h *Handle) SetDeadline(t time.Time) error {
	return h.conn.SetDeadline(t)
}

// Lock acquires exclusive access to this worker's socket for the duration
// of one request's send+recv pair. At most one logical requester uses a
// worker at a time.
func (h *Handle) Lock()   { h.ioMu.Lock() }
func (h *Handle) Unlock() { h.ioMu.Unlock() }

// Shutdown sends a graceful Shutdown, waits for the child to exit, and
// unlinks the socket file.
func (h *Handle) Shutdown(ctx context.Context) error {
	_ = h.Send(rpc.NewShutdown(true))

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case <-done:
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		<-done
	}

	h.cleanup()
	return nil
}

// Kill forcibly terminates the child without a graceful handshake — used
// when the recycler or dispatcher has already decided this worker is
// unsalvageable.
func (h *Handle) Kill() {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	h.cleanup()
}

func (h *Handle) cleanup() {
	if h.conn != nil {
		_ = h.conn.Close()
	}
	if h.Worker.SocketPath != "" {
		_ = os.Remove(h.Worker.SocketPath)
	}
}
