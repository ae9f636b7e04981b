package background

import (
	"context"
	"errors"
)

const (
	TagCall      = "call-notification"
	TagReconnect = "reconnect-notification"
	TagServer    = "server-notification"

	ActionAnswer    = "answer"
	ActionDecline   = "decline"
	ActionReconnect = "reconnect"
	// ActionDefault is a click on the notification body.
	ActionDefault = "default"
)

var ErrNotificationPermissionDenied = errors.New("background: notification permission denied")

type Action struct {
	ID    string
	Title string
}

// Notification replaces any earlier notification with the same Tag.
type Notification struct {
	Title              string
	Body               string
	Tag                string
	Actions            []Action
	RequireInteraction bool
	Renotify           bool
	Data               map[string]string
}

// Interaction is the user's response to a notification.
type Interaction struct {
	Tag    string
	Action string
	Data   map[string]string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	// Dismiss withdraws the notification shown under tag, if any.
	Dismiss(ctx context.Context, tag string) error
}

// InteractionSource is implemented by notifiers that report clicks.
type InteractionSource interface {
	Interactions() <-chan Interaction
}

// Opener brings a foreground instance to the user.
type Opener interface {
	// Focus raises an existing instance for id and reports whether one was
	// found.
	Focus(ctx context.Context, id string) (bool, error)
	Open(ctx context.Context, target string) error
}
