package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/probectl/probectl/internal/batch"
	"github.com/probectl/probectl/internal/config"
	"github.com/probectl/probectl/internal/doctor"
	"github.com/probectl/probectl/internal/logging"
	"github.com/probectl/probectl/internal/targets"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New()
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "probectl",
		Short:         "Drive an OpenOCD debug session against an attached target",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(cfg, logger),
		newBatchCommand(cfg, logger),
		newTargetsCommand(cfg),
		newDoctorCommand(cfg),
		newBugreportCommand(logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var targetID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the debug server and open an interactive console session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := resolveTarget(cfg, targetID)
			if err != nil {
				return err
			}

			engine, err := newEngine(cfg, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer engine.down()

			if err := engine.up(cmd.Context(), target); err != nil {
				return err
			}

			return runInteractive(cmd.Context(), engine, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&targetID, "target", "t", "", "target identifier (see 'probectl targets')")
	return cmd
}

func newBatchCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var targetID string

	cmd := &cobra.Command{
		Use:   "batch <script.toml>",
		Short: "Execute a batch script of debug operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			descriptors, err := batch.LoadScript(args[0])
			if err != nil {
				return err
			}

			target, err := resolveTarget(cfg, targetID)
			if err != nil {
				return err
			}

			engine, err := newEngine(cfg, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer engine.down()

			if err := engine.up(cmd.Context(), target); err != nil {
				return err
			}

			runner, err := batch.NewRunner(batch.Options{
				Operations: engine.library,
				Logger:     logger,
				OnResult: func(descriptor batch.Descriptor, response string) {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s]\n%s\n", descriptor, response)
				},
			})
			if err != nil {
				return err
			}

			if code := runner.Run(descriptors); code != 0 {
				return fmt.Errorf("batch script %s failed", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetID, "target", "t", "", "target identifier (see 'probectl targets')")
	return cmd
}

func newTargetsCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List known target configurations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := targets.NewRegistry(cfg.TargetOverrides...)
			if err != nil {
				return err
			}
			for _, target := range registry.All() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-40s %s\n",
					target.ID, target.Description, target.TargetConfig)
			}
			return nil
		},
	}
}

func newDoctorCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment for a working debug setup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			checks := doctor.Run(doctor.Options{
				ServerBinary: cfg.ServerBinary,
				TelnetHost:   cfg.TelnetHost,
				TelnetPort:   cfg.TelnetPort,
			})
			for _, check := range checks {
				fmt.Fprintf(cmd.OutOrStdout(), "[%-4s] %-20s %s\n", check.Status, check.Name, check.Detail)
			}
			if !doctor.Healthy(checks) {
				return errors.New("environment checks failed")
			}
			return nil
		},
	}
}

func resolveTarget(cfg *config.Config, targetID string) (targets.Target, error) {
	registry, err := targets.NewRegistry(cfg.TargetOverrides...)
	if err != nil {
		return targets.Target{}, err
	}

	if targetID == "" {
		targetID = cfg.DefaultTarget
	}
	if targetID == "" {
		return targets.Target{}, errors.New("no target selected: pass --target or set default_target in config")
	}
	return registry.Lookup(targetID)
}
