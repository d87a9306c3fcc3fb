// Package supervisor owns the debug-server subprocess: launch with the
// interface/target configuration, liveness checking, and graceful-then-
// forced termination. No other component signals the process directly.
package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/probectl/probectl/internal/events"
)

const (
	defaultStartupSettle = 2 * time.Second
	defaultStopTimeout   = 5 * time.Second
	defaultForcedWait    = 2 * time.Second

	// stderrLimitBytes caps captured stderr so a chatty server cannot grow
	// the diagnostic buffer without bound.
	stderrLimitBytes = 64 * 1024
)

// ErrBinaryNotFound indicates the debug-server binary is not on PATH. This
// is distinct from the server starting and then exiting prematurely.
var ErrBinaryNotFound = errors.New("debug server binary not found")

// ErrStartupFailed is the sentinel matched by errors.Is for servers that
// exited during the startup settle window.
var ErrStartupFailed = errors.New("debug server exited during startup")

// StartupError carries the captured error stream of a server that died
// before becoming ready.
type StartupError struct {
	Binary string
	Stderr string
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("%s exited during startup", e.Binary)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Is allows errors.Is(err, ErrStartupFailed) checks.
func (e *StartupError) Is(target error) bool {
	return target == ErrStartupFailed
}

// ServerProcess is a launched debug-server subprocess handle.
type ServerProcess interface {
	Pid() int
	Exited() bool
	WaitExit(timeout time.Duration) bool
	Stderr() string
	Signal(signal syscall.Signal) error
}

// Launcher starts the server binary. Injectable for tests.
type Launcher func(binary string, args ...string) (ServerProcess, error)

// Options configures a Supervisor.
type Options struct {
	Binary        string
	StartupSettle time.Duration
	StopTimeout   time.Duration

	// Disconnect tears down the console session before the process is
	// signaled. The subprocess is never stopped with the connection open.
	Disconnect func()

	Launcher Launcher
	LookPath func(file string) (string, error)
	Sleep    func(time.Duration)
	Logger   *log.Logger
	Bus      events.Bus
}

// Supervisor owns the only handle to the debug-server OS process.
type Supervisor struct {
	binary        string
	startupSettle time.Duration
	stopTimeout   time.Duration
	disconnect    func()
	launch        Launcher
	lookPath      func(file string) (string, error)
	sleep         func(time.Duration)
	logger        *log.Logger
	bus           events.Bus

	process ServerProcess
}

// New creates a supervisor with default dependencies where omitted.
func New(opts Options) (*Supervisor, error) {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		return nil, errors.New("server binary is required")
	}

	startupSettle := opts.StartupSettle
	if startupSettle <= 0 {
		startupSettle = defaultStartupSettle
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	launch := opts.Launcher
	if launch == nil {
		launch = launchProcess
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	disconnect := opts.Disconnect
	if disconnect == nil {
		disconnect = func() {}
	}

	return &Supervisor{
		binary:        binary,
		startupSettle: startupSettle,
		stopTimeout:   stopTimeout,
		disconnect:    disconnect,
		launch:        launch,
		lookPath:      lookPath,
		sleep:         sleep,
		logger:        logger,
		bus:           bus,
	}, nil
}

// Running reports whether a live subprocess exists.
func (s *Supervisor) Running() bool {
	return s != nil && s.process != nil && !s.process.Exited()
}

// Start launches the debug server with the interface and target
// configuration files, waits a settle interval, and verifies the process
// survived it. Idempotent when a live subprocess already exists.
func (s *Supervisor) Start(interfaceConfig, targetConfig string) error {
	if s == nil {
		return errors.New("supervisor is nil")
	}
	if s.Running() {
		s.logger.Info("debug server already running", "pid", s.process.Pid())
		return nil
	}

	if _, err := s.lookPath(s.binary); err != nil {
		return fmt.Errorf("%w: %q is not on PATH", ErrBinaryNotFound, s.binary)
	}

	args := make([]string, 0, 4)
	if strings.TrimSpace(interfaceConfig) != "" {
		args = append(args, "-f", interfaceConfig)
	}
	if strings.TrimSpace(targetConfig) != "" {
		args = append(args, "-f", targetConfig)
	}

	s.logger.Info("starting debug server", "binary", s.binary, "args", strings.Join(args, " "))
	process, err := s.launch(s.binary, args...)
	if err != nil {
		return fmt.Errorf("launch %s: %w", s.binary, err)
	}

	s.sleep(s.startupSettle)
	if process.Exited() {
		return &StartupError{
			Binary: s.binary,
			Stderr: strings.TrimSpace(process.Stderr()),
		}
	}

	s.process = process
	s.logger.Info("debug server started", "pid", process.Pid())
	s.bus.Publish(events.Event{Type: events.EventTypeServerStarted, Detail: s.binary})
	return nil
}

// Stop disconnects the console session, then terminates the subprocess:
// graceful signal first, forced kill after the stop timeout. Idempotent and
// best-effort; it never returns an error.
func (s *Supervisor) Stop() {
	if s == nil {
		return
	}

	s.disconnect()

	if s.process == nil {
		return
	}
	process := s.process
	s.process = nil

	if process.Exited() {
		return
	}

	s.logger.Info("stopping debug server", "pid", process.Pid())
	if err := process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("terminate signal failed", "pid", process.Pid(), "error", err)
	}
	if !process.WaitExit(s.stopTimeout) {
		s.logger.Warn("debug server ignored graceful stop, killing", "pid", process.Pid())
		if err := process.Signal(syscall.SIGKILL); err != nil {
			s.logger.Warn("kill signal failed", "pid", process.Pid(), "error", err)
		}
		process.WaitExit(defaultForcedWait)
	}

	s.logger.Info("debug server stopped")
	s.bus.Publish(events.Event{Type: events.EventTypeServerStopped, Detail: s.binary})
}

type osProcess struct {
	cmd    *exec.Cmd
	stderr *limitedBuffer
	done   chan struct{}
}

func launchProcess(binary string, args ...string) (ServerProcess, error) {
	cmd := exec.Command(binary, args...)
	stderr := newLimitedBuffer(stderrLimitBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	process := &osProcess{
		cmd:    cmd,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(process.done)
	}()
	return process, nil
}

func (p *osProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *osProcess) WaitExit(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *osProcess) Stderr() string {
	return p.stderr.String()
}

func (p *osProcess) Signal(signal syscall.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(signal)
}

type limitedBuffer struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{
		max:  max,
		data: make([]byte, 0, 1024),
	}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - len(b.data)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.data = append(b.data, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return string(b.data) + "\n[stderr truncated]"
	}
	return string(b.data)
}
