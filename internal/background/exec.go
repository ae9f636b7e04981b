package background

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/danmuck/callkeep/internal/observability"
	"github.com/danmuck/callkeep/internal/tools"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ExecNotifier shows notifications through notify-send. Each notification
// blocks a helper until the user responds; a newer notification with the
// same tag cancels the older helper.
type ExecNotifier struct {
	Runner  tools.CommandRunner
	Command string
	AppName string

	logger       zerolog.Logger
	interactions chan Interaction

	mu      sync.Mutex
	waiting map[string]*waiter
}

type waiter struct {
	cancel context.CancelFunc
}

func NewExecNotifier(runner tools.CommandRunner, command string) *ExecNotifier {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	if strings.TrimSpace(command) == "" {
		command = "notify-send"
	}
	return &ExecNotifier{
		Runner:       runner,
		Command:      command,
		AppName:      "callkeep",
		logger:       observability.ComponentLogger("notifier"),
		interactions: make(chan Interaction, 8),
		waiting:      make(map[string]*waiter),
	}
}

func (n *ExecNotifier) Interactions() <-chan Interaction {
	return n.interactions
}

func (n *ExecNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	waitCtx, cancel := context.WithCancel(context.Background())
	w := &waiter{cancel: cancel}
	n.mu.Lock()
	if prev, ok := n.waiting[note.Tag]; ok {
		prev.cancel()
	}
	n.waiting[note.Tag] = w
	n.mu.Unlock()

	args := notifyArgs(n.AppName, note)
	go func() {
		defer n.release(note.Tag, w)
		res, err := n.Runner.Run(waitCtx, n.Command, args...)
		if waitCtx.Err() != nil {
			return
		}
		if err != nil {
			n.logger.Debug().Err(err).Str("tag", note.Tag).Int32("exit_code", res.ExitCode).Msg("notification helper failed")
			return
		}
		action := strings.TrimSpace(string(res.Stdout))
		if action == "" {
			return
		}
		select {
		case n.interactions <- Interaction{Tag: note.Tag, Action: action, Data: note.Data}:
		default:
			n.logger.Warn().Str("tag", note.Tag).Msg("interaction dropped")
		}
	}()
	return nil
}

// Dismiss stops the helper waiting on tag. No interaction is reported for
// it.
func (n *ExecNotifier) Dismiss(_ context.Context, tag string) error {
	n.mu.Lock()
	w, ok := n.waiting[tag]
	if ok {
		delete(n.waiting, tag)
	}
	n.mu.Unlock()
	if ok {
		w.cancel()
		n.logger.Debug().Str("tag", tag).Msg("notification dismissed")
	}
	return nil
}

// pending reports whether a helper is still waiting on tag.
func (n *ExecNotifier) pending(tag string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.waiting[tag]
	return ok
}

func (n *ExecNotifier) release(tag string, w *waiter) {
	w.cancel()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.waiting[tag] == w {
		delete(n.waiting, tag)
	}
}

func notifyArgs(app string, note Notification) []string {
	args := []string{
		"--app-name=" + app,
		"--wait",
		"--hint=string:x-canonical-private-synchronous:" + note.Tag,
	}
	if note.RequireInteraction {
		args = append(args, "--urgency=critical", "--expire-time=0")
	}
	actions := note.Actions
	if len(actions) == 0 {
		actions = []Action{{ID: ActionDefault, Title: "Open"}}
	}
	args = append(args, lo.Map(actions, func(a Action, _ int) string {
		return "--action=" + a.ID + "=" + a.Title
	})...)
	return append(args, note.Title, note.Body)
}

// ExecOpener focuses or launches the foreground through host commands.
// {identity} in FocusCommand is replaced with the session identity; a
// zero exit means an instance was found.
type ExecOpener struct {
	Runner       tools.CommandRunner
	OpenCommand  string
	FocusCommand []string
}

var ErrNoFocusCommand = errors.New("background: focus command not configured")

func (o ExecOpener) Focus(ctx context.Context, id string) (bool, error) {
	if len(o.FocusCommand) == 0 {
		return false, ErrNoFocusCommand
	}
	args := lo.Map(o.FocusCommand[1:], func(arg string, _ int) string {
		return strings.ReplaceAll(arg, "{identity}", id)
	})
	res, err := o.runner().Run(ctx, o.FocusCommand[0], args...)
	if err != nil {
		if res.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o ExecOpener) Open(ctx context.Context, target string) error {
	name := o.OpenCommand
	if strings.TrimSpace(name) == "" {
		name = "xdg-open"
	}
	_, err := o.runner().Run(ctx, name, target)
	return err
}

func (o ExecOpener) runner() tools.CommandRunner {
	if o.Runner == nil {
		return tools.ExecRunner{}
	}
	return o.Runner
}
