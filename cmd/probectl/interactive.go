package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/probectl/probectl/internal/config"
	"github.com/probectl/probectl/internal/executor"
)

const interactiveHelp = `commands:
  halt                      halt the target
  reset-halt                reset the target and leave it halted
  reset-run                 reset the target and let it run
  erase                     erase flash (asks for confirmation)
  flash <path> [addr]       program a firmware image
  verify <path> [addr]      verify flash against a firmware image
  read <addr> [count]       read 32-bit words from memory
  write <addr> <value>      write one 32-bit word to memory
  info                      show target state
  raw <command...>          send a raw console command
  reconnect                 cycle the console connection
  help                      show this help
  quit                      exit`

// runInteractive drives the operation library from a line-oriented prompt.
// Operation failures are reported and the loop continues; only a clean
// quit (or input EOF) exits with code 0.
func runInteractive(ctx context.Context, engine *engine, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "probectl %s — connected to %s\n", Version, engine.session.Address())
	fmt.Fprintln(out, `type "help" for commands`)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "probectl> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		command, args := fields[0], fields[1:]

		if command == "quit" || command == "exit" {
			return nil
		}

		if err := dispatchInteractive(ctx, engine, out, scanner, command, args); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func dispatchInteractive(
	ctx context.Context,
	engine *engine,
	out io.Writer,
	scanner *bufio.Scanner,
	command string,
	args []string,
) error {
	library := engine.library

	switch command {
	case "help":
		fmt.Fprintln(out, interactiveHelp)
		return nil

	case "halt":
		response, err := library.Halt()
		return printResult(out, response, err)

	case "reset-halt":
		response, err := library.ResetHalt()
		return printResult(out, response, err)

	case "reset-run":
		response, err := library.ResetRun()
		return printResult(out, response, err)

	case "erase":
		fmt.Fprint(out, "erase all flash? (yes/no): ")
		if !scanner.Scan() || strings.ToLower(strings.TrimSpace(scanner.Text())) != "yes" {
			fmt.Fprintln(out, "erase cancelled")
			return nil
		}
		response, err := library.EraseFlash()
		return printResult(out, response, err)

	case "flash":
		if len(args) < 1 {
			return errors.New("usage: flash <path> [addr]")
		}
		address := ""
		if len(args) > 1 {
			address = args[1]
		}
		response, err := library.Flash(args[0], address)
		return printResult(out, response, err)

	case "verify":
		if len(args) < 1 {
			return errors.New("usage: verify <path> [addr]")
		}
		address := ""
		if len(args) > 1 {
			address = args[1]
		}
		response, err := library.Verify(args[0], address)
		return printResult(out, response, err)

	case "read":
		if len(args) < 1 {
			return errors.New("usage: read <addr> [count]")
		}
		address, err := config.ParseAddress(args[0])
		if err != nil {
			return err
		}
		count := 1
		if len(args) > 1 {
			count, err = strconv.Atoi(args[1])
			if err != nil || count <= 0 {
				return fmt.Errorf("invalid count %q", args[1])
			}
		}
		response, err := library.ReadMemory(address, count)
		return printResult(out, response, err)

	case "write":
		if len(args) < 2 {
			return errors.New("usage: write <addr> <value>")
		}
		address, err := config.ParseAddress(args[0])
		if err != nil {
			return err
		}
		value, err := config.ParseAddress(args[1])
		if err != nil {
			return err
		}
		response, err := library.WriteMemory(address, value)
		return printResult(out, response, err)

	case "info":
		response, err := library.TargetInfo()
		return printResult(out, response, err)

	case "raw":
		if len(args) == 0 {
			return errors.New("usage: raw <command...>")
		}
		response, err := library.Custom(strings.Join(args, " "))
		return printResult(out, response, err)

	case "reconnect":
		if err := engine.reconnect(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "reconnected")
		return nil

	default:
		return fmt.Errorf("unknown command %q (try \"help\")", command)
	}
}

func printResult(out io.Writer, response string, err error) error {
	if err != nil {
		if errors.Is(err, executor.ErrNotConnected) {
			return fmt.Errorf("%w (try \"reconnect\")", err)
		}
		return err
	}
	if response != "" {
		fmt.Fprintln(out, response)
	}
	return nil
}
