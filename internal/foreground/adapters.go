package foreground

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/tools"
	"github.com/samber/lo"
)

var ErrInhibitorRejected = errors.New("foreground: sleep inhibitor rejected")

// DefaultInhibitArgs hold the host awake until the helper is killed.
var DefaultInhibitArgs = []string{
	"--what=idle:sleep",
	"--who=callkeep",
	"--why=holding call session",
	"--mode=block",
	"sleep", "infinity",
}

// CommandInhibitor holds a helper process (systemd-inhibit by default) for
// as long as the inhibitor is held.
type CommandInhibitor struct {
	Runner  tools.CommandRunner
	Command string
	Args    []string
}

func (c CommandInhibitor) Acquire(ctx context.Context) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runner := c.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	name := c.Command
	args := c.Args
	if name == "" {
		name = "systemd-inhibit"
		args = DefaultInhibitArgs
	}
	proc, err := runner.Start(context.Background(), name, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInhibitorRejected, err)
	}
	select {
	case <-proc.Done():
		return nil, fmt.Errorf("%w: %s exited", ErrInhibitorRejected, name)
	default:
	}
	return func() { _ = proc.Stop() }, nil
}

// ProcessTelephony treats a long-running registration helper as the
// session. {token} and {identity} in Args are replaced per connect.
type ProcessTelephony struct {
	Runner  tools.CommandRunner
	Command string
	Args    []string
	// OnExit is called when the helper dies without Close.
	OnExit func(err error)
}

func (p ProcessTelephony) Connect(ctx context.Context, cred liveness.Credential) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, fmt.Errorf("%w: telephony command not configured", ErrMissingDependency)
	}
	runner := p.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	expand := strings.NewReplacer("{token}", cred.Token, "{identity}", cred.IssuedFor.String())
	args := lo.Map(p.Args, func(arg string, _ int) string {
		return expand.Replace(arg)
	})
	proc, err := runner.Start(context.Background(), p.Command, args...)
	if err != nil {
		return nil, err
	}
	s := &processSession{proc: proc}
	go s.watch(p.OnExit)
	return s, nil
}

type processSession struct {
	proc   tools.Process
	closed atomic.Bool
}

func (s *processSession) Close() error {
	s.closed.Store(true)
	err := s.proc.Stop()
	if errors.Is(err, tools.ErrProcessExited) {
		return nil
	}
	return err
}

func (s *processSession) watch(onExit func(error)) {
	<-s.proc.Done()
	if s.closed.Load() || onExit == nil {
		return
	}
	onExit(ErrSessionDisconnected)
}
