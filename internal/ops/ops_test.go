package ops

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/probectl/probectl/internal/executor"
)

type fakeSender struct {
	sent        []string
	ensureCalls int
	response    string
	err         error
}

func (f *fakeSender) Send(command string, _ ...executor.SendOption) (string, error) {
	f.sent = append(f.sent, command)
	return f.response, f.err
}

func (f *fakeSender) EnsureHalted() { f.ensureCalls++ }

func newLibrary(t *testing.T, sender *fakeSender) *Library {
	t.Helper()
	library, err := New(Options{Sender: sender})
	if err != nil {
		t.Fatalf("new library: %v", err)
	}
	return library
}

func firmwareFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.bin")
	if err := os.WriteFile(path, []byte{0xde, 0xad, 0xbe, 0xef}, 0o600); err != nil {
		t.Fatalf("write firmware: %v", err)
	}
	return path
}

func TestStateOperationCommands(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   func(*Library) (string, error)
		want string
	}{
		{"halt", (*Library).Halt, "halt"},
		{"reset halt", (*Library).ResetHalt, "reset halt"},
		{"reset run", (*Library).ResetRun, "reset run"},
		{"target info", (*Library).TargetInfo, "targets"},
	} {
		sender := &fakeSender{response: "ok"}
		library := newLibrary(t, sender)

		if _, err := tc.op(library); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(sender.sent) != 1 || sender.sent[0] != tc.want {
			t.Fatalf("%s: sent = %v, want [%s]", tc.name, sender.sent, tc.want)
		}
		if sender.ensureCalls != 0 {
			t.Fatalf("%s: halt precondition applied to non-destructive op", tc.name)
		}
	}
}

func TestEraseFlashEnsuresHaltedFirst(t *testing.T) {
	sender := &fakeSender{response: "erased 8 sectors"}
	library := newLibrary(t, sender)

	if _, err := library.EraseFlash(); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if sender.ensureCalls != 1 {
		t.Fatalf("ensure calls = %d, want 1", sender.ensureCalls)
	}
	if sender.sent[0] != "flash erase_sector 0 0 last" {
		t.Fatalf("command = %q", sender.sent[0])
	}
}

func TestFlashDefaultsAddressAndEnsuresHalted(t *testing.T) {
	sender := &fakeSender{response: "wrote 4 bytes"}
	library := newLibrary(t, sender)
	path := firmwareFile(t)

	if _, err := library.Flash(path, ""); err != nil {
		t.Fatalf("flash: %v", err)
	}
	want := "program " + path + " 0x08000000"
	if sender.sent[0] != want {
		t.Fatalf("command = %q, want %q", sender.sent[0], want)
	}
	if sender.ensureCalls != 1 {
		t.Fatalf("ensure calls = %d, want 1", sender.ensureCalls)
	}
}

func TestFlashPassesPreformattedAddressThrough(t *testing.T) {
	sender := &fakeSender{response: "ok"}
	library := newLibrary(t, sender)
	path := firmwareFile(t)

	if _, err := library.Flash(path, "0x00100000"); err != nil {
		t.Fatalf("flash: %v", err)
	}
	if want := "program " + path + " 0x00100000"; sender.sent[0] != want {
		t.Fatalf("command = %q, want %q", sender.sent[0], want)
	}
}

func TestFlashMissingFileFailsBeforeAnySend(t *testing.T) {
	sender := &fakeSender{}
	library := newLibrary(t, sender)

	_, err := library.Flash(filepath.Join(t.TempDir(), "missing.bin"), "")
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sent %d commands for missing file", len(sender.sent))
	}
	if sender.ensureCalls != 0 {
		t.Fatalf("halt precondition ran for missing file")
	}
}

func TestVerifyOmitsAddressWhenEmpty(t *testing.T) {
	sender := &fakeSender{response: "verified"}
	library := newLibrary(t, sender)
	path := firmwareFile(t)

	if _, err := library.Verify(path, ""); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if want := "verify_image " + path; sender.sent[0] != want {
		t.Fatalf("command = %q, want %q", sender.sent[0], want)
	}

	if _, err := library.Verify(path, "0x08004000"); err != nil {
		t.Fatalf("verify with address: %v", err)
	}
	if want := "verify_image " + path + " 0x08004000"; sender.sent[1] != want {
		t.Fatalf("command = %q, want %q", sender.sent[1], want)
	}
}

func TestVerifyMissingFileFailsBeforeAnySend(t *testing.T) {
	sender := &fakeSender{}
	library := newLibrary(t, sender)

	_, err := library.Verify(filepath.Join(t.TempDir(), "missing.bin"), "")
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sent %d commands for missing file", len(sender.sent))
	}
}

func TestReadMemoryFormatsHexAndDefaultsCount(t *testing.T) {
	sender := &fakeSender{response: "0x20000000: deadbeef"}
	library := newLibrary(t, sender)

	if _, err := library.ReadMemory(0x20000000, 0); err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if sender.sent[0] != "mdw 0x20000000 1" {
		t.Fatalf("command = %q", sender.sent[0])
	}

	if _, err := library.ReadMemory(0x1fff, 8); err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if sender.sent[1] != "mdw 0x00001fff 8" {
		t.Fatalf("command = %q", sender.sent[1])
	}
	if sender.ensureCalls != 0 {
		t.Fatalf("read is not state-sensitive, ensure calls = %d", sender.ensureCalls)
	}
}

func TestWriteMemoryFormatsHexAndEnsuresHalted(t *testing.T) {
	sender := &fakeSender{response: "ok"}
	library := newLibrary(t, sender)

	if _, err := library.WriteMemory(0x20000000, 0xdeadbeef); err != nil {
		t.Fatalf("write memory: %v", err)
	}
	if sender.sent[0] != "mww 0x20000000 0xdeadbeef" {
		t.Fatalf("command = %q", sender.sent[0])
	}
	if sender.ensureCalls != 1 {
		t.Fatalf("ensure calls = %d, want 1", sender.ensureCalls)
	}
}

func TestCustomRejectsEmptyCommand(t *testing.T) {
	sender := &fakeSender{}
	library := newLibrary(t, sender)

	if _, err := library.Custom("   "); err == nil {
		t.Fatal("empty custom command accepted")
	}
	if _, err := library.Custom("adapter speed 4000"); err != nil {
		t.Fatalf("custom: %v", err)
	}
	if sender.sent[0] != "adapter speed 4000" {
		t.Fatalf("command = %q", sender.sent[0])
	}
}
