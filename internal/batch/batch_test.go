package batch

import (
	"errors"
	"testing"

	"github.com/probectl/probectl/internal/executor"
	"github.com/probectl/probectl/internal/ops"
)

type fakeOperations struct {
	calls    []string
	failOn   string
	failWith error
}

func (f *fakeOperations) invoke(name string) (string, error) {
	f.calls = append(f.calls, name)
	if name == f.failOn {
		return "", f.failWith
	}
	return name + " ok", nil
}

func (f *fakeOperations) Halt() (string, error)       { return f.invoke("halt") }
func (f *fakeOperations) ResetHalt() (string, error)  { return f.invoke("reset_halt") }
func (f *fakeOperations) ResetRun() (string, error)   { return f.invoke("reset_run") }
func (f *fakeOperations) EraseFlash() (string, error) { return f.invoke("erase_flash") }
func (f *fakeOperations) TargetInfo() (string, error) { return f.invoke("target_info") }

func (f *fakeOperations) Flash(path, _ string) (string, error) {
	return f.invoke("flash " + path)
}

func (f *fakeOperations) Verify(path, _ string) (string, error) {
	return f.invoke("verify " + path)
}

func (f *fakeOperations) ReadMemory(uint32, int) (string, error) {
	return f.invoke("read_memory")
}

func (f *fakeOperations) WriteMemory(uint32, uint32) (string, error) {
	return f.invoke("write_memory")
}

func (f *fakeOperations) Custom(command string) (string, error) {
	return f.invoke("custom " + command)
}

func newTestRunner(t *testing.T, operations *fakeOperations) *Runner {
	t.Helper()
	runner, err := NewRunner(Options{Operations: operations})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return runner
}

func TestRunAllSucceedingIssuesEveryCommandInOrder(t *testing.T) {
	operations := &fakeOperations{}
	runner := newTestRunner(t, operations)

	code := runner.Run([]Descriptor{
		{Kind: KindHalt},
		{Kind: KindEraseFlash},
		{Kind: KindFlash, Path: "fw.bin"},
		{Kind: KindVerify, Path: "fw.bin"},
		{Kind: KindResetRun},
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	want := []string{"halt", "erase_flash", "flash fw.bin", "verify fw.bin", "reset_run"}
	if len(operations.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", operations.calls, want)
	}
	for i, call := range want {
		if operations.calls[i] != call {
			t.Fatalf("calls[%d] = %q, want %q", i, operations.calls[i], call)
		}
	}
}

func TestRunStopsOnFailureSkipsRestAndSafetyErases(t *testing.T) {
	operations := &fakeOperations{
		failOn:   "flash missing.bin",
		failWith: &ops.FileError{Path: "missing.bin"},
	}
	runner := newTestRunner(t, operations)

	code := runner.Run([]Descriptor{
		{Kind: KindHalt},
		{Kind: KindFlash, Path: "missing.bin"},
		{Kind: KindResetRun},
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	want := []string{"halt", "flash missing.bin", "erase_flash"}
	if len(operations.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", operations.calls, want)
	}
	for i, call := range want {
		if operations.calls[i] != call {
			t.Fatalf("calls[%d] = %q, want %q", i, operations.calls[i], call)
		}
	}
}

func TestRunFailedSafetyEraseStillReturnsFailureCode(t *testing.T) {
	operations := &fakeOperations{
		failOn:   "erase_flash",
		failWith: &executor.CommandError{Command: "flash erase_sector 0 0 last", Attempts: 3},
	}
	runner := newTestRunner(t, operations)

	code := runner.Run([]Descriptor{{Kind: KindEraseFlash}})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	// First call is the failing step, second the (also failing) safety erase.
	if len(operations.calls) != 2 {
		t.Fatalf("calls = %v, want failing erase then safety erase", operations.calls)
	}
}

func TestRunUnknownDescriptorTriggersRollback(t *testing.T) {
	operations := &fakeOperations{}
	runner := newTestRunner(t, operations)

	code := runner.Run([]Descriptor{
		{Kind: KindHalt},
		{Kind: Kind("defrag")},
		{Kind: KindResetRun},
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	want := []string{"halt", "erase_flash"}
	if len(operations.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", operations.calls, want)
	}
}

func TestRunReportsResultsInOrder(t *testing.T) {
	operations := &fakeOperations{}
	var results []string
	runner, err := NewRunner(Options{
		Operations: operations,
		OnResult: func(descriptor Descriptor, response string) {
			results = append(results, response)
		},
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if code := runner.Run([]Descriptor{{Kind: KindHalt}, {Kind: KindTargetInfo}}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if len(results) != 2 || results[0] != "halt ok" || results[1] != "target_info ok" {
		t.Fatalf("results = %v", results)
	}
}

func TestRunEmptyBatchSucceeds(t *testing.T) {
	runner := newTestRunner(t, &fakeOperations{})
	if code := runner.Run(nil); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestDispatchMissingFlashPathFailsWithFileNotFound(t *testing.T) {
	operations := &fakeOperations{}
	runner := newTestRunner(t, operations)

	_, err := runner.dispatch(Descriptor{Kind: KindFlash})
	if !errors.Is(err, ops.ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
	if len(operations.calls) != 0 {
		t.Fatalf("calls = %v, want none", operations.calls)
	}
}
