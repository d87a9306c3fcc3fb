// Package ops provides the higher-level debug operations (halt, reset,
// erase, program, verify, memory access) on top of the command executor.
// Each operation encodes its own precondition: destructive and
// state-sensitive commands observe the target halted before they run.
package ops

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/probectl/probectl/internal/executor"
)

// DefaultFlashAddress is the flash base used when a program operation does
// not carry an explicit address.
const DefaultFlashAddress = uint32(0x08000000)

// ErrFileNotFound is the sentinel matched by errors.Is for firmware paths
// that do not exist on disk.
var ErrFileNotFound = errors.New("firmware file not found")

// FileError reports a missing firmware file, raised before any console
// traffic so no retries are wasted on it.
type FileError struct {
	Path string
}

func (e *FileError) Error() string {
	return fmt.Sprintf("firmware file %q not found", e.Path)
}

// Is allows errors.Is(err, ErrFileNotFound) checks.
func (e *FileError) Is(target error) bool {
	return target == ErrFileNotFound
}

// Sender dispatches console commands with retry and precondition recovery.
type Sender interface {
	Send(command string, options ...executor.SendOption) (string, error)
	EnsureHalted()
}

// Options configures a Library.
type Options struct {
	Sender       Sender
	FlashAddress uint32
	Stat         func(name string) (os.FileInfo, error)
	Logger       *log.Logger
}

// Library exposes the operation set driven by the batch runner and the
// interactive front end.
type Library struct {
	sender       Sender
	flashAddress uint32
	stat         func(name string) (os.FileInfo, error)
	logger       *log.Logger
}

// New creates an operation library with default dependencies where omitted.
func New(opts Options) (*Library, error) {
	if opts.Sender == nil {
		return nil, errors.New("sender is required")
	}

	flashAddress := opts.FlashAddress
	if flashAddress == 0 {
		flashAddress = DefaultFlashAddress
	}
	stat := opts.Stat
	if stat == nil {
		stat = os.Stat
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Library{
		sender:       opts.Sender,
		flashAddress: flashAddress,
		stat:         stat,
		logger:       logger,
	}, nil
}

// FormatWord renders a 32-bit address or value as fixed-width lowercase hex.
func FormatWord(value uint32) string {
	return fmt.Sprintf("0x%08x", value)
}

// Halt stops target execution.
func (l *Library) Halt() (string, error) {
	l.logger.Info("halting target")
	return l.sender.Send("halt", executor.WithoutHaltRecovery())
}

// ResetHalt resets the target and leaves it halted.
func (l *Library) ResetHalt() (string, error) {
	l.logger.Info("resetting and halting target")
	return l.sender.Send("reset halt", executor.WithoutHaltRecovery())
}

// ResetRun resets the target and lets it run.
func (l *Library) ResetRun() (string, error) {
	l.logger.Info("resetting and running target")
	return l.sender.Send("reset run", executor.WithoutHaltRecovery())
}

// EraseFlash erases every flash sector of bank 0.
func (l *Library) EraseFlash() (string, error) {
	l.logger.Warn("erasing flash")
	l.sender.EnsureHalted()
	return l.sender.Send("flash erase_sector 0 0 last")
}

// Flash programs a firmware image. An empty address selects the configured
// flash base; a pre-formatted address string passes through unchanged.
func (l *Library) Flash(path, address string) (string, error) {
	if err := l.requireFile(path); err != nil {
		return "", err
	}

	address = strings.TrimSpace(address)
	if address == "" {
		address = FormatWord(l.flashAddress)
	}

	l.logger.Info("programming firmware", "path", path, "address", address)
	l.sender.EnsureHalted()
	return l.sender.Send(fmt.Sprintf("program %s %s", path, address))
}

// Verify compares target flash contents against a firmware image. An empty
// address omits the offset argument.
func (l *Library) Verify(path, address string) (string, error) {
	if err := l.requireFile(path); err != nil {
		return "", err
	}

	command := fmt.Sprintf("verify_image %s", path)
	address = strings.TrimSpace(address)
	if address != "" {
		command = fmt.Sprintf("%s %s", command, address)
	}

	l.logger.Info("verifying firmware", "path", path, "address", address)
	l.sender.EnsureHalted()
	return l.sender.Send(command)
}

// ReadMemory reads count 32-bit words starting at address.
func (l *Library) ReadMemory(address uint32, count int) (string, error) {
	if count <= 0 {
		count = 1
	}
	l.logger.Info("reading memory", "address", FormatWord(address), "count", count)
	return l.sender.Send(fmt.Sprintf("mdw %s %d", FormatWord(address), count))
}

// WriteMemory writes one 32-bit word to address.
func (l *Library) WriteMemory(address, value uint32) (string, error) {
	l.logger.Info("writing memory", "address", FormatWord(address), "value", FormatWord(value))
	l.sender.EnsureHalted()
	return l.sender.Send(fmt.Sprintf("mww %s %s", FormatWord(address), FormatWord(value)))
}

// TargetInfo queries target state and configuration.
func (l *Library) TargetInfo() (string, error) {
	return l.sender.Send("targets")
}

// Custom passes a raw console command through unchanged.
func (l *Library) Custom(command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", errors.New("custom command must not be empty")
	}
	l.logger.Info("sending custom command", "command", command)
	return l.sender.Send(command)
}

func (l *Library) requireFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return &FileError{Path: path}
	}
	if _, err := l.stat(path); err != nil {
		return &FileError{Path: path}
	}
	return nil
}
