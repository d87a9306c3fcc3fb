package doctor

import (
	"errors"
	"net"
	"testing"
)

type nopListener struct{}

func (nopListener) Accept() (net.Conn, error) { return nil, errors.New("not implemented") }
func (nopListener) Close() error              { return nil }
func (nopListener) Addr() net.Addr            { return &net.TCPAddr{} }

func TestRunAllHealthy(t *testing.T) {
	checks := Run(Options{
		ServerBinary: "openocd",
		TelnetPort:   4444,
		LookPath:     func(string) (string, error) { return "/usr/bin/openocd", nil },
		Listen:       func(string, string) (net.Listener, error) { return nopListener{}, nil },
		HomeDir:      func() (string, error) { return t.TempDir(), nil },
	})

	if len(checks) != 3 {
		t.Fatalf("got %d checks, want 3", len(checks))
	}
	if !Healthy(checks) {
		t.Fatalf("checks unhealthy: %+v", checks)
	}
}

func TestRunMissingBinaryFails(t *testing.T) {
	checks := Run(Options{
		ServerBinary: "openocd",
		LookPath:     func(string) (string, error) { return "", errors.New("not found") },
		Listen:       func(string, string) (net.Listener, error) { return nopListener{}, nil },
		HomeDir:      func() (string, error) { return t.TempDir(), nil },
	})

	if Healthy(checks) {
		t.Fatal("missing binary reported healthy")
	}
	if checks[0].Status != StatusFail {
		t.Fatalf("binary check = %+v, want fail", checks[0])
	}
}

func TestRunBusyPortWarnsOnly(t *testing.T) {
	checks := Run(Options{
		ServerBinary: "openocd",
		TelnetPort:   4444,
		LookPath:     func(string) (string, error) { return "/usr/bin/openocd", nil },
		Listen:       func(string, string) (net.Listener, error) { return nil, errors.New("address in use") },
		HomeDir:      func() (string, error) { return t.TempDir(), nil },
	})

	if checks[1].Status != StatusWarn {
		t.Fatalf("port check = %+v, want warn", checks[1])
	}
	if !Healthy(checks) {
		t.Fatal("warn status must not fail the doctor run")
	}
}
