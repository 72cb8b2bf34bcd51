// Package supervisor launches the ComfyUI backend as a child process and
// waits until its HTTP control plane answers.
//
// A worker runs exactly one backend for its lifetime. A crashed backend is
// not restarted; the platform replaces the worker instead.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultMaxRetries   = 60
	DefaultInterval     = time.Second
	DefaultProbeTimeout = 2 * time.Second
	DefaultStopGrace    = 10 * time.Second
)

// progressEvery controls how often a waiting message is logged.
const progressEvery = 10

// Static errors for supervision.
var (
	// ErrNotReady is returned when the backend does not answer within the retry budget.
	ErrNotReady = errors.New("supervisor: backend did not become ready")
	// ErrProcessExited is returned when the child exits before becoming ready.
	ErrProcessExited = errors.New("supervisor: backend process exited")
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("supervisor: already started")
	// ErrCommandRequired is returned when launching without a command.
	ErrCommandRequired = errors.New("supervisor: command is required")
)

// State is the lifecycle state of the backend.
type State int32

// Backend lifecycle states.
const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Prober checks whether the backend answers its status endpoint.
type Prober interface {
	SystemStats(ctx context.Context) error
}

// Config describes how the backend is launched and probed.
type Config struct {
	// Launch starts the backend as a child. When false the supervisor only
	// probes an already running backend.
	Launch  bool
	Dir     string
	Command string
	Args    []string

	MaxRetries   int
	Interval     time.Duration
	ProbeTimeout time.Duration
	StopGrace    time.Duration
}

// ComfyUICommand returns the command line that serves ComfyUI on all
// interfaces at port.
func ComfyUICommand(python string, port int) (string, []string) {
	if python == "" {
		python = "python"
	}
	return python, []string{"main.py", "--listen", "0.0.0.0", "--port", strconv.Itoa(port)}
}

// Supervisor owns the backend process.
type Supervisor struct {
	cfg    Config
	prober Prober
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// New creates a Supervisor. Zero values in cfg fall back to the package defaults.
func New(cfg Config, prober Prober, logger *slog.Logger) *Supervisor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		prober: prober,
		logger: logger.With(slog.String("component", "supervisor")),
		state:  StateNotStarted,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	s.logger.Info("backend state changed",
		slog.String("from", prev.String()),
		slog.String("to", state.String()),
	)
}

// Start launches the backend (unless attaching) and blocks until it is ready.
// It returns nil once the backend answers, ErrNotReady when the retry budget
// is exhausted and ErrProcessExited when the child dies while waiting.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.logger.Info("starting backend",
		slog.Bool("launch", s.cfg.Launch),
		slog.String("dir", s.cfg.Dir),
		slog.Int("max_retries", s.cfg.MaxRetries),
	)

	if s.cfg.Launch {
		if err := s.launch(); err != nil {
			s.setState(StateFailed)
			return err
		}
	}

	if err := s.waitReady(ctx); err != nil {
		s.setState(StateFailed)
		s.terminate()
		return err
	}

	s.setState(StateReady)
	return nil
}

func (s *Supervisor) launch() error {
	if s.cfg.Command == "" {
		return ErrCommandRequired
	}

	// Not bound to a context: the backend outlives the call that started it.
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...) // #nosec G204 - command comes from operator configuration
	cmd.Dir = s.cfg.Dir
	cmd.Stdout = newLineLogger(s.logger, "stdout")
	cmd.Stderr = newLineLogger(s.logger, "stderr")
	cmd.WaitDelay = s.cfg.StopGrace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: launch backend: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.done = done
	s.mu.Unlock()

	s.logger.Info("backend process started", slog.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(done)

		attrs := []any{slog.Int("pid", cmd.Process.Pid)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		s.logger.Info("backend process exited", attrs...)
	}()

	return nil
}

func (s *Supervisor) waitReady(ctx context.Context) error {
	exited := s.exited()

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		err := s.prober.SystemStats(probeCtx)
		cancel()
		if err == nil {
			s.logger.Info("backend is ready", slog.Int("attempt", attempt))
			return nil
		}

		if attempt%progressEvery == 1 {
			s.logger.Info("waiting for backend",
				slog.Int("attempt", attempt),
				slog.Int("max_retries", s.cfg.MaxRetries),
				slog.String("error", err.Error()),
			)
		}

		if attempt == s.cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("supervisor: wait for backend: %w", ctx.Err())
		case <-exited:
			timer.Stop()
			return s.exitError()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrNotReady, s.cfg.MaxRetries)
}

// exited returns a channel closed when the child exits. It is nil (never
// ready) when no child was launched.
func (s *Supervisor) exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Supervisor) exitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitErr != nil {
		return fmt.Errorf("%w: %w", ErrProcessExited, s.waitErr)
	}
	return ErrProcessExited
}

// Stop asks the backend to terminate and waits up to the grace period before
// killing it. Stopping an attached or never-launched backend only updates the state.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateStopped {
		return nil
	}

	err := s.stopProcess(ctx)
	if state == StateReady || state == StateStarting {
		s.setState(StateStopped)
	}
	return err
}

func (s *Supervisor) stopProcess(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	s.logger.Info("stopping backend", slog.Int("pid", cmd.Process.Pid))
	if err := signalTerminate(cmd); err != nil {
		s.logger.Warn("failed to signal backend", slog.String("error", err.Error()))
	}

	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		s.logger.Warn("backend did not exit within grace period, killing",
			slog.Duration("grace", s.cfg.StopGrace),
		)
	case <-ctx.Done():
		s.logger.Warn("stop cancelled, killing backend")
	}

	if err := kill(cmd); err != nil {
		return fmt.Errorf("supervisor: kill backend: %w", err)
	}
	<-done
	return nil
}

// terminate kills a launched child after a failed start.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	select {
	case <-done:
		return
	default:
	}
	if err := kill(cmd); err != nil {
		s.logger.Warn("failed to kill backend", slog.String("error", err.Error()))
		return
	}
	<-done
}
