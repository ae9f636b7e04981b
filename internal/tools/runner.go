package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
)

var ErrProcessExited = errors.New("tools: process already exited")

// Result is the captured outcome of one command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int32
}

// CommandRunner abstracts shell command execution for runtime adapters.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// Process is a started command held open until Stop.
type Process interface {
	Stop() error
	Done() <-chan struct{}
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	res.ExitCode = exitCode(err)
	return res, err
}

// Start launches name in the background. The process lives until Stop or
// until ctx is cancelled.
func (r ExecRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	stopOnce sync.Once
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			err = ErrProcessExited
			return
		default:
		}
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
		}
		<-p.done
	})
	return err
}

func exitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}
