package history

import (
	"context"
	"time"

	"github.com/ysegawa/mailsweep/internal/domain/mail"
)

// RunRecord is the durable audit trail of one sweep.
type RunRecord struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	DryRun      bool
	Stats       mail.Stats
	BatchErrors []string
	Decisions   []DecisionRecord
}

// DecisionRecord captures what was decided (and done) for one message.
type DecisionRecord struct {
	MessageID  string
	From       string
	Subject    string
	Action     mail.Action
	Reason     string
	Confidence float64
	Executed   bool
}

type Repo interface {
	Record(ctx context.Context, run RunRecord) error
	Recent(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}
