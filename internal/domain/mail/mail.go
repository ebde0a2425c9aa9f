package mail

import (
	"context"
	"strings"
	"time"
)

// Action is what gets done to a message after classification.
type Action string

const (
	ActionDelete   Action = "delete"
	ActionArchive  Action = "archive"
	ActionMarkRead Action = "mark_read"
	ActionKeep     Action = "keep"
)

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionDelete, ActionArchive, ActionMarkRead, ActionKeep:
		return true
	}
	return false
}

// ParseAction maps a free-text action name onto an Action. Unknown or
// untrusted input degrades to keep, which is the fail-safe action: a bad
// string must never turn into a destructive operation.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delete":
		return ActionDelete
	case "archive":
		return ActionArchive
	case "mark_read", "mark read", "markread":
		return ActionMarkRead
	case "keep":
		return ActionKeep
	default:
		return ActionKeep
	}
}

type Message struct {
	ID       string
	ThreadID string
	From     string
	Subject  string
	Snippet  string
	Date     time.Time
	AgeDays  int
	Labels   []string
}

// AgeDaysAt returns the whole days elapsed between the message date and now,
// never negative.
func AgeDaysAt(date, now time.Time) int {
	if date.IsZero() || date.After(now) {
		return 0
	}
	return int(now.Sub(date).Hours() / 24)
}

// Decision is the classifier's verdict for a single message.
type Decision struct {
	MessageID  string
	Action     Action
	Reason     string
	Confidence float64
}

// Stats accumulates the outcome counters of one run.
type Stats struct {
	Processed  int
	Deleted    int
	Archived   int
	MarkedRead int
	Kept       int
	Errors     int
}

// Mailbox is the gateway to the user's mailbox. Fetch never returns
// already-handled messages; ApplyAction and MarkHandled report per-message
// failures as ordinary errors so the caller can count them and continue.
type Mailbox interface {
	Fetch(ctx context.Context, unreadOnly bool, limit int64) ([]Message, error)
	ApplyAction(ctx context.Context, action Action, messageID string) error
	MarkHandled(ctx context.Context, messageID string) error
}
