// Package executor sends logical commands over the console session, decides
// success or failure from the response text, and recovers from transient
// target-state errors with a bounded halt-and-retry loop.
package executor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/probectl/probectl/internal/console"
	"github.com/probectl/probectl/internal/events"
)

const (
	defaultCommandTimeout = 5 * time.Second
	defaultRetryDelay     = 500 * time.Millisecond
	defaultHaltSettle     = 500 * time.Millisecond
	defaultMaxRetries     = 3
)

// DefaultFailureKeywords mirror the substrings the debug-server console
// emits on failed operations. The match is heuristic: the protocol has no
// structured status, so a response legitimately containing one of these
// words is misclassified. Override the list via Options when a target's
// informational output collides with it.
var DefaultFailureKeywords = []string{
	"failed",
	"error",
	"target not halted",
	"cannot",
	"invalid",
}

// ErrNotConnected mirrors the transport sentinel for callers that only
// import this package.
var ErrNotConnected = console.ErrNotConnected

// ErrCommandFailed is the sentinel matched by errors.Is for commands that
// exhausted every retry attempt.
var ErrCommandFailed = errors.New("command failed")

// CommandError carries the failed command and the last observed response
// for diagnostics.
type CommandError struct {
	Command      string
	Attempts     int
	LastResponse string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed after %d attempts", e.Command, e.Attempts)
	if e.LastResponse != "" {
		msg += fmt.Sprintf(" (last response: %s)", e.LastResponse)
	}
	return msg
}

// Is allows errors.Is(err, ErrCommandFailed) checks.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Transport is the framed console connection the executor drives.
type Transport interface {
	Connected() bool
	SendLine(text string) error
	ReadUntil(delimiter byte, timeout time.Duration) ([]byte, error)
}

// Options configures an Executor.
type Options struct {
	Transport       Transport
	FailureKeywords []string
	MaxRetries      int
	CommandTimeout  time.Duration
	RetryDelay      time.Duration
	HaltSettle      time.Duration
	Sleep           func(time.Duration)
	Logger          *log.Logger
	Bus             events.Bus
}

// Executor is the single dispatch point for console commands. One command
// is in flight at a time; the console protocol is strictly request/response.
type Executor struct {
	transport      Transport
	keywords       []string
	maxRetries     int
	commandTimeout time.Duration
	retryDelay     time.Duration
	haltSettle     time.Duration
	sleep          func(time.Duration)
	logger         *log.Logger
	bus            events.Bus
}

// New creates an executor with default dependencies where omitted.
func New(opts Options) (*Executor, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}

	keywords := normalizeKeywords(opts.FailureKeywords)
	if len(keywords) == 0 {
		keywords = append([]string(nil), DefaultFailureKeywords...)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	commandTimeout := opts.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	haltSettle := opts.HaltSettle
	if haltSettle <= 0 {
		haltSettle = defaultHaltSettle
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

	return &Executor{
		transport:      opts.Transport,
		keywords:       keywords,
		maxRetries:     maxRetries,
		commandTimeout: commandTimeout,
		retryDelay:     retryDelay,
		haltSettle:     haltSettle,
		sleep:          sleep,
		logger:         logger,
		bus:            bus,
	}, nil
}

// SendOption adjusts one Send invocation.
type SendOption func(*sendOptions)

type sendOptions struct {
	maxRetries   int
	haltRecovery bool
}

// WithMaxRetries overrides the attempt bound for one command.
func WithMaxRetries(n int) SendOption {
	return func(opts *sendOptions) {
		if n > 0 {
			opts.maxRetries = n
		}
	}
}

// WithoutHaltRecovery disables the corrective halt between retries. Used
// for the halt and reset commands themselves, which must not recurse into
// halting.
func WithoutHaltRecovery() SendOption {
	return func(opts *sendOptions) {
		opts.haltRecovery = false
	}
}

// stateCommands are exempt from halt recovery even without an explicit
// WithoutHaltRecovery option.
var stateCommands = map[string]struct{}{
	"halt":       {},
	"reset halt": {},
	"reset run":  {},
}

// SendRaw performs one command/response exchange without retry logic: write
// the command line, read until the prompt byte, strip the trailing prompt
// and surrounding whitespace.
func (e *Executor) SendRaw(command string) (string, error) {
	if e == nil {
		return "", errors.New("executor is nil")
	}
	if !e.transport.Connected() {
		return "", ErrNotConnected
	}

	if err := e.transport.SendLine(command); err != nil {
		return "", fmt.Errorf("send %q: %w", command, err)
	}
	raw, err := e.transport.ReadUntil(console.Prompt, e.commandTimeout)
	if err != nil {
		return "", fmt.Errorf("read response to %q: %w", command, err)
	}
	return trimPrompt(raw), nil
}

// IsFailure classifies a response as failed when its lowercase form
// contains any configured failure keyword.
func (e *Executor) IsFailure(response string) bool {
	lowered := strings.ToLower(response)
	for _, keyword := range e.keywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// CheckHalted issues a status query and inspects the response. Unknown
// states read as not halted: halting an already-halted target is harmless,
// flashing a running one is not.
func (e *Executor) CheckHalted() bool {
	response, err := e.SendRaw("targets")
	if err != nil {
		return false
	}

	lowered := strings.ToLower(response)
	if strings.Contains(lowered, "halted") {
		return true
	}
	if strings.Contains(lowered, "running") {
		return false
	}
	return false
}

// EnsureHalted halts the target if the status query does not report it
// halted, then waits a settle delay. Best effort; failures surface on the
// operation that follows.
func (e *Executor) EnsureHalted() {
	if e.CheckHalted() {
		return
	}

	e.logger.Warn("target not halted, issuing corrective halt")
	if _, err := e.SendRaw("halt"); err != nil {
		e.logger.Warn("corrective halt failed", "error", err)
		return
	}
	e.bus.Publish(events.Event{
		Type:     events.EventTypeTargetHalted,
		Command:  "halt",
		Severity: events.SeverityWarn,
	})
	e.sleep(e.haltSettle)
}

// Send dispatches a command with bounded retries. Failed attempts trigger a
// corrective halt (unless the command is itself a halt or reset) and a
// short delay before the next try. Exhausting every attempt returns a
// *CommandError carrying the last response; it is never swallowed here.
func (e *Executor) Send(command string, options ...SendOption) (string, error) {
	if e == nil {
		return "", errors.New("executor is nil")
	}

	resolved := sendOptions{
		maxRetries:   e.maxRetries,
		haltRecovery: true,
	}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}
	if _, isStateCommand := stateCommands[strings.TrimSpace(command)]; isStateCommand {
		resolved.haltRecovery = false
	}

	var lastResponse string
	for attempt := 1; attempt <= resolved.maxRetries; attempt++ {
		response, err := e.SendRaw(command)
		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				return "", err
			}
			lastResponse = ""
		} else {
			lastResponse = response
			if !e.IsFailure(response) {
				e.bus.Publish(events.Event{Type: events.EventTypeCommandSent, Command: command, Detail: response})
				return response, nil
			}
		}

		if attempt == resolved.maxRetries {
			break
		}

		e.logger.Warn("command failed, retrying",
			"command", command,
			"attempt", attempt+1,
			"max_attempts", resolved.maxRetries,
			"response", lastResponse,
		)
		e.bus.Publish(events.Event{
			Type:     events.EventTypeCommandRetry,
			Command:  command,
			Detail:   lastResponse,
			Severity: events.SeverityWarn,
		})

		if resolved.haltRecovery {
			e.EnsureHalted()
		}
		e.sleep(e.retryDelay)
	}

	cmdErr := &CommandError{
		Command:      command,
		Attempts:     resolved.maxRetries,
		LastResponse: lastResponse,
	}
	e.logger.Error("command failed on every attempt",
		"command", command,
		"attempts", resolved.maxRetries,
		"last_response", lastResponse,
	)
	e.bus.Publish(events.Event{
		Type:     events.EventTypeCommandFailed,
		Command:  command,
		Detail:   lastResponse,
		Severity: events.SeverityError,
	})
	return "", cmdErr
}

// trimPrompt strips everything from the final prompt byte onward, then
// surrounding whitespace.
func trimPrompt(raw []byte) string {
	text := string(raw)
	if i := strings.LastIndexByte(text, console.Prompt); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		out = append(out, normalized)
	}
	return out
}
