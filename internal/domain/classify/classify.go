package classify

import (
	"context"

	"github.com/ysegawa/mailsweep/internal/domain/mail"
)

// Rule is one filtering instruction the classifier weighs a message against.
// Lower priority sorts first.
type Rule struct {
	ID          string
	Name        string
	Description string
	Action      mail.Action
	Priority    int
}

// Classifier turns a batch of messages into exactly one decision per
// message, matched by message ID and returned in input order. An empty
// input yields an empty result without touching the backend. Response-shape
// problems are absorbed by the implementation (degrading to keep decisions);
// only backend/transport failures surface as errors.
type Classifier interface {
	Classify(ctx context.Context, messages []mail.Message, rules []Rule) ([]mail.Decision, error)
}
