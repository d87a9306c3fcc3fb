// Package batch executes an ordered list of operation descriptors against
// the operation library with an all-or-nothing failure policy: the first
// failure stops the run and triggers a best-effort safety erase so the
// target is never left half-programmed.
package batch

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/probectl/probectl/internal/ops"
)

// Kind tags one descriptor variant.
type Kind string

const (
	KindHalt        Kind = "halt"
	KindResetHalt   Kind = "reset_halt"
	KindResetRun    Kind = "reset_run"
	KindEraseFlash  Kind = "erase_flash"
	KindFlash       Kind = "flash"
	KindVerify      Kind = "verify"
	KindReadMemory  Kind = "read_memory"
	KindWriteMemory Kind = "write_memory"
	KindTargetInfo  Kind = "target_info"
	KindCustom      Kind = "custom"
)

// ErrUnknownDescriptor indicates a descriptor tag with no matching
// operation. It triggers the same rollback path as a failed command.
var ErrUnknownDescriptor = errors.New("unknown batch descriptor")

// Descriptor is one parsed unit of work. Immutable once produced; ownership
// passes to the runner for the duration of one batch.
type Descriptor struct {
	Kind Kind

	// Flash / verify.
	Path    string
	Address string

	// Memory access.
	MemoryAddress uint32
	Count         int
	Value         uint32

	// Custom passthrough.
	Command string
}

func (d Descriptor) String() string {
	switch d.Kind {
	case KindFlash, KindVerify:
		return fmt.Sprintf("%s %s", d.Kind, d.Path)
	case KindCustom:
		return fmt.Sprintf("%s %q", d.Kind, d.Command)
	default:
		return string(d.Kind)
	}
}

// Operations is the operation-library surface the runner dispatches to.
type Operations interface {
	Halt() (string, error)
	ResetHalt() (string, error)
	ResetRun() (string, error)
	EraseFlash() (string, error)
	Flash(path, address string) (string, error)
	Verify(path, address string) (string, error)
	ReadMemory(address uint32, count int) (string, error)
	WriteMemory(address, value uint32) (string, error)
	TargetInfo() (string, error)
	Custom(command string) (string, error)
}

// Options configures a Runner.
type Options struct {
	Operations Operations
	Logger     *log.Logger

	// OnResult receives each completed step's response text, in order.
	// Used by the CLI to echo console output.
	OnResult func(descriptor Descriptor, response string)
}

// Runner drives descriptors through the operation library sequentially.
type Runner struct {
	operations Operations
	logger     *log.Logger
	onResult   func(Descriptor, string)
}

// NewRunner creates a batch runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Operations == nil {
		return nil, errors.New("operations are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	onResult := opts.OnResult
	if onResult == nil {
		onResult = func(Descriptor, string) {}
	}
	return &Runner{
		operations: opts.Operations,
		logger:     logger,
		onResult:   onResult,
	}, nil
}

// Run executes descriptors in order and returns the process exit code:
// 0 when every step completed, 1 when any step failed. On failure the
// remaining steps are skipped and a safety erase is attempted so target
// flash is not left in a partially written, unverifiable state; the erase
// outcome does not change the exit code.
func (r *Runner) Run(descriptors []Descriptor) int {
	for i, descriptor := range descriptors {
		r.logger.Info("batch step", "index", i+1, "total", len(descriptors), "op", descriptor.String())

		response, err := r.dispatch(descriptor)
		if err != nil {
			skipped := len(descriptors) - i - 1
			r.logger.Error("batch step failed",
				"op", descriptor.String(),
				"error", err,
				"skipped", skipped,
			)
			r.safetyErase()
			return 1
		}
		r.onResult(descriptor, response)
	}
	return 0
}

func (r *Runner) dispatch(descriptor Descriptor) (string, error) {
	switch descriptor.Kind {
	case KindHalt:
		return r.operations.Halt()
	case KindResetHalt:
		return r.operations.ResetHalt()
	case KindResetRun:
		return r.operations.ResetRun()
	case KindEraseFlash:
		return r.operations.EraseFlash()
	case KindFlash:
		if descriptor.Path == "" {
			return "", fmt.Errorf("flash step missing path: %w", ops.ErrFileNotFound)
		}
		return r.operations.Flash(descriptor.Path, descriptor.Address)
	case KindVerify:
		if descriptor.Path == "" {
			return "", fmt.Errorf("verify step missing path: %w", ops.ErrFileNotFound)
		}
		return r.operations.Verify(descriptor.Path, descriptor.Address)
	case KindReadMemory:
		return r.operations.ReadMemory(descriptor.MemoryAddress, descriptor.Count)
	case KindWriteMemory:
		return r.operations.WriteMemory(descriptor.MemoryAddress, descriptor.Value)
	case KindTargetInfo:
		return r.operations.TargetInfo()
	case KindCustom:
		return r.operations.Custom(descriptor.Command)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDescriptor, descriptor.Kind)
	}
}

// safetyErase is best-effort cleanup: it logs but never propagates.
func (r *Runner) safetyErase() {
	r.logger.Warn("attempting safety erase after batch failure")
	if _, err := r.operations.EraseFlash(); err != nil {
		r.logger.Error("safety erase failed", "error", err)
		return
	}
	r.logger.Info("safety erase completed")
}
