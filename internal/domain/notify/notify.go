package notify

import "context"

// Notifier pushes a short run summary to an external channel.
type Notifier interface {
	Push(ctx context.Context, message string) error
}
