package foreground

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestCommandInhibitorHoldsProcess(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{}
	release, err := CommandInhibitor{Runner: runner}.Acquire(context.Background())
	require.NoError(t, err)
	require.Len(t, runner.started, 1)
	require.Equal(t, "systemd-inhibit", runner.started[0][0])

	release()
	select {
	case <-runner.procs[0].Done():
	default:
		t.Fatalf("release did not stop the helper")
	}
}

func TestCommandInhibitorRejected(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{err: errors.New("no such binary")}
	_, err := CommandInhibitor{Runner: runner}.Acquire(context.Background())
	require.ErrorIs(t, err, ErrInhibitorRejected)
}

func TestProcessTelephonyExpandsArgs(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{}
	exited := make(chan error, 1)
	tel := ProcessTelephony{
		Runner:  runner,
		Command: "softphone",
		Args:    []string{"--user", "{identity}", "--token={token}"},
		OnExit:  func(err error) { exited <- err },
	}
	cred := liveness.Credential{Token: "abc", IssuedFor: "42", ExpiresAt: time.Now().Add(time.Hour)}
	sess, err := tel.Connect(context.Background(), cred)
	require.NoError(t, err)
	require.Equal(t, []string{"softphone", "--user", "42", "--token=abc"}, runner.started[0])

	require.NoError(t, runner.procs[0].Stop())
	select {
	case err := <-exited:
		require.ErrorIs(t, err, ErrSessionDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatalf("exit was not reported")
	}
	require.NoError(t, sess.Close())
}

func TestProcessTelephonyCloseIsQuiet(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{}
	exited := make(chan error, 1)
	tel := ProcessTelephony{Runner: runner, Command: "softphone", OnExit: func(err error) { exited <- err }}
	sess, err := tel.Connect(context.Background(), liveness.Credential{Token: "abc", IssuedFor: "42"})
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	select {
	case err := <-exited:
		t.Fatalf("deliberate close reported exit: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessTelephonyRequiresCommand(t *testing.T) {
	testlog.Start(t)
	_, err := ProcessTelephony{}.Connect(context.Background(), liveness.Credential{})
	require.ErrorIs(t, err, ErrMissingDependency)
}
