package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"crewhub/internal/async"
	"crewhub/internal/logging"
)

// ProcessConfig configures a stdio tool-server subprocess.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// ProcessManager owns one tool-server subprocess for the duration of a run.
// Unlike a long-lived daemon there is no restart machinery: a server that
// dies mid-run simply fails its tool calls.
type ProcessManager struct {
	command string
	args    []string
	env     []string
	logger  logging.Logger

	mu      sync.Mutex
	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	running bool
	exited  chan error
}

// NewProcessManager creates a process manager for the given command.
func NewProcessManager(config ProcessConfig) *ProcessManager {
	pm := &ProcessManager{
		command: config.Command,
		args:    config.Args,
		logger:  logging.NewComponentLogger(fmt.Sprintf("mcp.process[%s]", config.Command)),
	}
	for k, v := range config.Env {
		pm.env = append(pm.env, fmt.Sprintf("%s=%s", k, v))
	}
	return pm
}

// Start spawns the subprocess and wires its pipes.
func (pm *ProcessManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("process already running")
	}

	trimmed := strings.TrimSpace(pm.command)
	if trimmed == "" {
		return fmt.Errorf("command is required")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return fmt.Errorf("command not found: %w", err)
	}

	pm.logger.Info("starting tool server: %s %v", pm.command, pm.args)
	pm.process = exec.CommandContext(ctx, resolved, pm.args...)
	if len(pm.env) > 0 {
		pm.process.Env = pm.env
	}

	if pm.stdin, err = pm.process.StdinPipe(); err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if pm.stdout, err = pm.process.StdoutPipe(); err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if pm.stderr, err = pm.process.StderrPipe(); err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := pm.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	pm.running = true
	pm.exited = make(chan error, 1)
	pm.logger.Info("tool server started, pid=%d", pm.process.Process.Pid)

	async.Go(pm.logger, "mcp.process.stderr", pm.drainStderr)
	process := pm.process
	exited := pm.exited
	async.Go(pm.logger, "mcp.process.wait", func() {
		err := process.Wait()
		pm.mu.Lock()
		pm.running = false
		pm.mu.Unlock()
		exited <- err
	})

	return nil
}

// Stop closes stdin to let the server exit cleanly, killing it after the
// timeout elapses.
func (pm *ProcessManager) Stop(timeout time.Duration) error {
	pm.mu.Lock()
	if !pm.running && pm.process == nil {
		pm.mu.Unlock()
		return nil
	}
	process := pm.process
	stdin := pm.stdin
	exited := pm.exited
	pm.running = false
	pm.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if exited == nil {
		return nil
	}
	select {
	case err := <-exited:
		pm.logger.Info("tool server exited: %v", err)
		return nil
	case <-time.After(timeout):
		pm.logger.Warn("shutdown timeout, killing tool server")
		if process != nil && process.Process != nil {
			if err := process.Process.Kill(); err != nil {
				return fmt.Errorf("kill process: %w", err)
			}
		}
		return nil
	}
}

// IsRunning reports whether the subprocess is alive.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// Write sends data to the subprocess stdin.
func (pm *ProcessManager) Write(data []byte) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.stdin == nil {
		return fmt.Errorf("process not running")
	}
	n, err := pm.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(data))
	}
	return nil
}

// Stdout returns the subprocess stdout reader.
func (pm *ProcessManager) Stdout() io.Reader {
	return pm.stdout
}

func (pm *ProcessManager) drainStderr() {
	if pm.stderr == nil {
		return
	}
	scanner := bufio.NewScanner(pm.stderr)
	for scanner.Scan() {
		pm.logger.Debug("[stderr] %s", scanner.Text())
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		pm.logger.Error("stderr read error: %v", err)
	}
}
