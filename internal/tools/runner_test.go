package tools

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/danmuck/callkeep/internal/testutil/testlog"
)

func TestExecRunnerMissingBinary(t *testing.T) {
	testlog.Start(t)
	res, err := ExecRunner{}.Run(context.Background(), "callkeep-definitely-missing-binary")
	if err == nil {
		t.Fatalf("expected error for missing binary")
	}
	if res.ExitCode != 127 {
		t.Fatalf("expected exit code 127, got %d", res.ExitCode)
	}
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	testlog.Start(t)
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	res, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "printf out; printf err >&2; exit 3")
	if err == nil {
		t.Fatalf("expected non-zero exit error")
	}
	if string(res.Stdout) != "out" || string(res.Stderr) != "err" || res.ExitCode != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecRunnerStartStop(t *testing.T) {
	testlog.Start(t)
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	p, err := ExecRunner{}.Start(context.Background(), "sleep", "30")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
	if err := p.Stop(); err != nil && !errors.Is(err, ErrProcessExited) {
		t.Fatalf("second stop: %v", err)
	}
}
