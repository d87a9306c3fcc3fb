package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/probectl/probectl/internal/config"
	"github.com/probectl/probectl/internal/console"
	"github.com/probectl/probectl/internal/events"
	"github.com/probectl/probectl/internal/executor"
	"github.com/probectl/probectl/internal/ops"
	"github.com/probectl/probectl/internal/supervisor"
	"github.com/probectl/probectl/internal/targets"
)

// engine wires the supervisor, session, executor, and operation library
// into one scoped resource: up() acquires the subprocess and the console
// connection, down() releases both on every exit path.
type engine struct {
	logger *log.Logger

	session    *console.Session
	supervisor *supervisor.Supervisor
	executor   *executor.Executor
	library    *ops.Library
}

func newEngine(cfg *config.Config, logger *log.Logger, out io.Writer) (*engine, error) {
	bus := events.New()
	bus.Subscribe(events.EventTypeCommandRetry, func(event events.Event) {
		fmt.Fprintf(out, "command failed, retrying: %s\n", event.Command)
	})
	bus.Subscribe(events.EventTypeTargetHalted, func(event events.Event) {
		fmt.Fprintln(out, "target was not halted, issued corrective halt")
	})

	session, err := console.NewSession(console.Options{
		Host:            cfg.TelnetHost,
		Port:            cfg.TelnetPort,
		ConnectTimeout:  cfg.ConnectTimeout,
		BannerTimeout:   cfg.BannerTimeout,
		PreservePartial: cfg.PreservePartialReads,
		Logger:          logger,
		Bus:             bus,
	})
	if err != nil {
		return nil, err
	}

	processSupervisor, err := supervisor.New(supervisor.Options{
		Binary:        cfg.ServerBinary,
		StartupSettle: cfg.StartupSettle,
		StopTimeout:   cfg.StopTimeout,
		Disconnect:    session.Disconnect,
		Logger:        logger,
		Bus:           bus,
	})
	if err != nil {
		return nil, err
	}

	commandExecutor, err := executor.New(executor.Options{
		Transport:       session,
		FailureKeywords: cfg.FailureKeywords,
		MaxRetries:      cfg.MaxRetries,
		CommandTimeout:  cfg.CommandTimeout,
		RetryDelay:      cfg.RetryDelay,
		HaltSettle:      cfg.HaltSettle,
		Logger:          logger,
		Bus:             bus,
	})
	if err != nil {
		return nil, err
	}

	library, err := ops.New(ops.Options{
		Sender:       commandExecutor,
		FlashAddress: cfg.DefaultFlashAddress,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	return &engine{
		logger:     logger,
		session:    session,
		supervisor: processSupervisor,
		executor:   commandExecutor,
		library:    library,
	}, nil
}

// up starts the debug server for the target and connects the console
// session. On connect failure the subprocess is stopped again so no
// orphaned server outlives the error.
func (e *engine) up(ctx context.Context, target targets.Target) error {
	if err := e.supervisor.Start(target.InterfaceConfig, target.TargetConfig); err != nil {
		return err
	}
	if err := e.session.Connect(ctx); err != nil {
		e.supervisor.Stop()
		return err
	}
	return nil
}

// down tears everything down; the supervisor disconnects the session
// before stopping the process. Safe to call at any point.
func (e *engine) down() {
	e.supervisor.Stop()
}

// reconnect cycles the console connection without restarting the server.
func (e *engine) reconnect(ctx context.Context) error {
	e.session.Disconnect()
	return e.session.Connect(ctx)
}
