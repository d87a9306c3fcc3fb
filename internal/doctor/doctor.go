// Package doctor runs environment diagnostics: is the debug-server binary
// installed, is the console port free, are config files readable.
package doctor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// CheckStatus is one diagnostic outcome level.
type CheckStatus string

const (
	StatusOK   CheckStatus = "ok"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

// Check is one named diagnostic result.
type Check struct {
	Name   string
	Status CheckStatus
	Detail string
}

// Options configures a diagnostic run.
type Options struct {
	ServerBinary string
	TelnetHost   string
	TelnetPort   int

	LookPath func(file string) (string, error)
	Listen   func(network, address string) (net.Listener, error)
	HomeDir  func() (string, error)
}

// Run executes every diagnostic and returns the results in a fixed order.
// A StatusFail result means an interactive or batch session cannot work.
func Run(opts Options) []Check {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	listen := opts.Listen
	if listen == nil {
		listen = net.Listen
	}
	homeDir := opts.HomeDir
	if homeDir == nil {
		homeDir = os.UserHomeDir
	}

	checks := make([]Check, 0, 3)
	checks = append(checks, checkBinary(opts.ServerBinary, lookPath))
	checks = append(checks, checkPort(opts.TelnetHost, opts.TelnetPort, listen))
	checks = append(checks, checkConfig(homeDir))
	return checks
}

// Healthy reports whether no check failed.
func Healthy(checks []Check) bool {
	for _, check := range checks {
		if check.Status == StatusFail {
			return false
		}
	}
	return true
}

func checkBinary(binary string, lookPath func(string) (string, error)) Check {
	check := Check{Name: "debug server binary"}
	if binary == "" {
		binary = "openocd"
	}

	path, err := lookPath(binary)
	if err != nil {
		check.Status = StatusFail
		check.Detail = fmt.Sprintf("%q not found on PATH", binary)
		return check
	}
	check.Status = StatusOK
	check.Detail = path
	return check
}

// checkPort verifies nothing else already listens on the console port. A
// stale debug server would answer our connect and shadow the one we spawn.
func checkPort(host string, port int, listen func(string, string) (net.Listener, error)) Check {
	check := Check{Name: "console port"}
	if port <= 0 {
		port = 4444
	}
	if host == "" {
		host = "localhost"
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))

	listener, err := listen("tcp", address)
	if err != nil {
		check.Status = StatusWarn
		check.Detail = fmt.Sprintf("%s is already in use; another debug server may be running", address)
		return check
	}
	_ = listener.Close()
	check.Status = StatusOK
	check.Detail = address + " is free"
	return check
}

func checkConfig(homeDir func() (string, error)) Check {
	check := Check{Name: "config file"}

	home, err := homeDir()
	if err != nil {
		check.Status = StatusWarn
		check.Detail = fmt.Sprintf("cannot resolve home directory: %v", err)
		return check
	}

	path := filepath.Join(home, ".probectl", "config.toml")
	if _, err := os.Stat(path); err != nil {
		check.Status = StatusOK
		check.Detail = path + " absent, using defaults"
		return check
	}
	check.Status = StatusOK
	check.Detail = path
	return check
}
