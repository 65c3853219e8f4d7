package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/arqma/arqmavisor/pkg/logger"
	"go.uber.org/zap"
)

var (
	// ErrBinaryNotFound is returned when the node binary does not exist.
	ErrBinaryNotFound = errors.New("daemon binary not found")
	// ErrAlreadyRunning is returned by Start while a process is alive.
	ErrAlreadyRunning = errors.New("daemon process already running")
)

// Manager owns a single node process
type Manager struct {
	binary string
	grace  time.Duration
	logger *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
	started time.Time
}

// NewManager creates a manager for binary. grace bounds how long Stop waits
// after the termination signal before killing the process.
func NewManager(binary string, grace time.Duration, logger *logger.Logger) *Manager {
	return &Manager{
		binary: binary,
		grace:  grace,
		logger: logger.Named("arqmad"),
	}
}

// Binary returns the path the manager spawns.
func (m *Manager) Binary() string {
	return m.binary
}

// Start spawns the binary with args in its own process group. Output lines
// and the exit status go to the logger.
func (m *Manager) Start(args []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd != nil && !isClosed(m.done) {
		return ErrAlreadyRunning
	}

	if _, err := os.Stat(m.binary); err != nil {
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, m.binary)
	}

	cmd := exec.Command(m.binary, args...)
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stderr: %w", err)
	}

	m.logger.Info("starting daemon",
		zap.String("binary", m.binary),
		zap.Strings("args", args))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	m.cmd = cmd
	m.done = make(chan struct{})
	m.exitErr = nil
	m.started = time.Now()

	var readers sync.WaitGroup
	readers.Add(2)
	go m.forward(&readers, stdout, false)
	go m.forward(&readers, stderr, true)
	go m.wait(cmd, m.done, &readers)

	m.logger.Info("daemon started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (m *Manager) forward(wg *sync.WaitGroup, r io.Reader, isErr bool) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if isErr {
			m.logger.Warn(line)
		} else {
			m.logger.Info(line)
		}
	}
}

func (m *Manager) wait(cmd *exec.Cmd, done chan struct{}, readers *sync.WaitGroup) {
	// Wait closes the pipes, so every line must be read first
	readers.Wait()
	err := cmd.Wait()

	m.mu.Lock()
	m.exitErr = err
	m.mu.Unlock()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		m.logger.Warn("daemon exited", zap.Int("code", code), zap.Error(err))
	} else {
		m.logger.Info("daemon exited", zap.Int("code", code))
	}

	close(done)
}

// Done is closed once the current process has exited. It is nil before the
// first Start.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// ExitErr returns the error from the last process exit, if any.
func (m *Manager) ExitErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitErr
}

// Running reports whether a process is alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd != nil && !isClosed(m.done)
}

// Pid returns the pid of the current process, or 0.
func (m *Manager) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Uptime returns how long the current process has been running.
func (m *Manager) Uptime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || isClosed(m.done) {
		return 0
	}
	return time.Since(m.started)
}

// Stop terminates the process and returns once it has exited. The process
// is killed when the grace period elapses or ctx is cancelled first.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cmd, done := m.cmd, m.done
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil || isClosed(done) {
		return nil
	}

	m.logger.Info("stopping daemon", zap.Int("pid", cmd.Process.Pid))

	if err := terminate(cmd.Process); err != nil {
		m.logger.Warn("failed to signal daemon", zap.Error(err))
		if killErr := kill(cmd.Process); killErr != nil && !isClosed(done) {
			return fmt.Errorf("failed to kill daemon: %w", killErr)
		}
	}

	var graceC <-chan time.Time
	if m.grace > 0 {
		timer := time.NewTimer(m.grace)
		defer timer.Stop()
		graceC = timer.C
	}

	select {
	case <-done:
		m.logger.Info("daemon stopped gracefully")
		return nil
	case <-graceC:
		m.logger.Warn("grace period exceeded, killing daemon")
	case <-ctx.Done():
		m.logger.Warn("stop cancelled, killing daemon")
	}

	if err := kill(cmd.Process); err != nil && !isClosed(done) {
		return fmt.Errorf("failed to kill daemon: %w", err)
	}
	<-done
	return nil
}

// Version runs the binary with --version and returns its trimmed output.
func Version(ctx context.Context, binary string) (string, error) {
	if _, err := os.Stat(binary); err != nil {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
	}

	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to query daemon version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func isClosed(ch chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
