// Package asgi supervises an external ASGI application server as a child
// process, for the HTTP fallback path that proxies unknown routes to it.
// Supervisor manages the process lifecycle; NewReverseProxy (proxy.go)
// builds the handler that forwards requests to it.
package asgi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	readinessAttempts = 30
	readinessInterval = 500 * time.Millisecond
	shutdownGrace     = 10 * time.Second
)

// Config describes how to launch and reach the ASGI process.
type Config struct {
	Port       int
	Workers    int
	AppCommand string // shell command template, e.g. "uvicorn app:app"
}

// Supervisor owns one ASGI child process.
type Supervisor struct {
	cfg Config
	cmd *exec.Cmd
}

// New builds a Supervisor. Call Start to actually spawn the process.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Start spawns the ASGI server bound to 127.0.0.1:<port> with cfg.Workers
// child workers, inheriting this process's stdio, then polls the root URL
// until it responds or readinessAttempts is exhausted. Any HTTP response —
// even a 404 — counts as ready; only a connection failure keeps polling.
func (s *Supervisor) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", s.cfg.AppCommand)
	cmd.Env = append(os.Environ(),
		"HOST=127.0.0.1",
		"PORT="+strconv.Itoa(s.cfg.Port),
		"WORKERS="+strconv.Itoa(s.cfg.Workers),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("asgi: start child process: %w", err)
	}
	s.cmd = cmd

	url := fmt.Sprintf("http://127.0.0.1:%d/", s.cfg.Port)
	client := &http.Client{Timeout: readinessInterval}

	for attempt := 0; attempt < readinessAttempts; attempt++ {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			log.Info().Int("port", s.cfg.Port).Int("attempt", attempt+1).Msg("asgi server ready")
			return nil
		}
		time.Sleep(readinessInterval)
	}

	s.Kill()
	_ = cmd.Wait()
	return fmt.Errorf("asgi: server at %s did not become ready after %d attempts", url, readinessAttempts)
}

// IsRunning reports, without blocking, whether the child has been started
// and not yet reaped. It does not query the OS: a child that exits on its
// own still reads as running until Shutdown (or a failed Start) has waited
// on it.
func (s *Supervisor) IsRunning() bool {
	if s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	return s.cmd.ProcessState == nil
}

// Shutdown sends SIGTERM and waits up to shutdownGrace before force-killing.
func (s *Supervisor) Shutdown() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return s.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownGrace):
		log.Warn().Msg("asgi server did not exit gracefully, force-killing")
		return s.Kill()
	}
}

// Kill forcibly terminates the child, best-effort. Callers in a Drop-style
// cleanup path must not let a failure here propagate.
func (s *Supervisor) Kill() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}
