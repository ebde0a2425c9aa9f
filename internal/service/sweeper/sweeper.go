// Package sweeper sequences one sweep: fetch candidate messages, classify
// them in batches, apply the resulting actions and account for the outcome.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ysegawa/mailsweep/internal/domain/history"
	"github.com/ysegawa/mailsweep/internal/domain/mail"
	"github.com/ysegawa/mailsweep/internal/domain/notify"
	"github.com/ysegawa/mailsweep/internal/service/orchestrator"
	"github.com/ysegawa/mailsweep/internal/service/rules"
)

type Config struct {
	ProcessingLimit int64
	UnreadOnly      bool
	// ActionPacing is the fixed delay between consecutive non-keep mailbox
	// actions, to stay under external rate limits.
	ActionPacing time.Duration
}

type Service struct {
	mailbox  mail.Mailbox
	rules    *rules.Store
	orch     *orchestrator.Orchestrator
	history  history.Repo    // nil disables the audit trail
	notifier notify.Notifier // nil disables summary pushes
	cfg      Config

	// Injectable for deterministic tests.
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	newRunID func() string
}

func NewService(
	mailbox mail.Mailbox,
	ruleStore *rules.Store,
	orch *orchestrator.Orchestrator,
	historyRepo history.Repo,
	notifier notify.Notifier,
	cfg Config,
) *Service {
	return &Service{
		mailbox:  mailbox,
		rules:    ruleStore,
		orch:     orch,
		history:  historyRepo,
		notifier: notifier,
		cfg:      cfg,
		sleep:    sleepCtx,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
}

// Report is the outcome of one sweep. In dry-run mode the decisions are
// returned unexecuted and no mailbox mutation happens.
type Report struct {
	RunID       string
	DryRun      bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Fetched     int
	Stats       mail.Stats
	Decisions   []mail.Decision
	BatchErrors []string
}

// Run performs one sweep. Per-message action failures are counted, never
// fatal; only fetch failures and context cancellation abort the run.
func (s *Service) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{
		RunID:     s.newRunID(),
		DryRun:    dryRun,
		StartedAt: s.now(),
	}

	messages, err := s.mailbox.Fetch(ctx, s.cfg.UnreadOnly, s.cfg.ProcessingLimit)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	report.Fetched = len(messages)

	if len(messages) == 0 {
		report.FinishedAt = s.now()
		slog.Info("no messages to process", "run_id", report.RunID)
		return report, nil
	}

	slog.Info("classifying messages",
		"run_id", report.RunID,
		"messages", len(messages),
		"dry_run", dryRun,
	)

	result, err := s.orch.Run(ctx, messages, s.rules.Rules())
	if err != nil {
		return nil, fmt.Errorf("classifying messages: %w", err)
	}
	report.Decisions = result.Decisions
	report.BatchErrors = result.Errors
	report.Stats.Processed = result.Processed

	executed := map[string]bool{}
	if !dryRun {
		executed = s.execute(ctx, report)
	}

	report.FinishedAt = s.now()

	s.record(ctx, messages, report, executed)
	s.pushSummary(ctx, report)

	slog.Info("sweep finished",
		"run_id", report.RunID,
		"processed", report.Stats.Processed,
		"deleted", report.Stats.Deleted,
		"archived", report.Stats.Archived,
		"marked_read", report.Stats.MarkedRead,
		"kept", report.Stats.Kept,
		"errors", report.Stats.Errors,
		"failed_batches", len(report.BatchErrors),
	)

	return report, nil
}

// execute applies each decision in order and marks every message handled so
// it is not re-fetched, keeps included. Returns the set of message IDs whose
// action was applied successfully.
func (s *Service) execute(ctx context.Context, report *Report) map[string]bool {
	executed := make(map[string]bool, len(report.Decisions))

	for i, d := range report.Decisions {
		ok := s.apply(ctx, d, &report.Stats)
		executed[d.MessageID] = ok

		if err := s.mailbox.MarkHandled(ctx, d.MessageID); err != nil {
			slog.Error("failed to mark message handled",
				"message_id", d.MessageID,
				"error", err,
			)
			report.Stats.Errors++
		}

		if ok && d.Action != mail.ActionKeep && i < len(report.Decisions)-1 {
			if err := s.sleep(ctx, s.cfg.ActionPacing); err != nil {
				return executed
			}
		}
	}

	return executed
}

// apply dispatches a single decision. The action switch is exhaustive over
// the four known actions; anything else could only come from a bug and is
// counted as an error rather than guessed at.
func (s *Service) apply(ctx context.Context, d mail.Decision, stats *mail.Stats) bool {
	switch d.Action {
	case mail.ActionKeep:
		stats.Kept++
		return true
	case mail.ActionDelete, mail.ActionArchive, mail.ActionMarkRead:
		if err := s.mailbox.ApplyAction(ctx, d.Action, d.MessageID); err != nil {
			slog.Error("action failed",
				"message_id", d.MessageID,
				"action", d.Action,
				"error", err,
			)
			stats.Errors++
			return false
		}
		switch d.Action {
		case mail.ActionDelete:
			stats.Deleted++
		case mail.ActionArchive:
			stats.Archived++
		case mail.ActionMarkRead:
			stats.MarkedRead++
		}
		return true
	default:
		slog.Error("unknown action in decision",
			"message_id", d.MessageID,
			"action", d.Action,
		)
		stats.Errors++
		return false
	}
}

func (s *Service) record(ctx context.Context, messages []mail.Message, report *Report, executed map[string]bool) {
	if s.history == nil {
		return
	}

	byID := make(map[string]mail.Message, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
	}

	run := history.RunRecord{
		ID:          report.RunID,
		StartedAt:   report.StartedAt,
		FinishedAt:  report.FinishedAt,
		DryRun:      report.DryRun,
		Stats:       report.Stats,
		BatchErrors: report.BatchErrors,
	}
	for _, d := range report.Decisions {
		m := byID[d.MessageID]
		run.Decisions = append(run.Decisions, history.DecisionRecord{
			MessageID:  d.MessageID,
			From:       m.From,
			Subject:    m.Subject,
			Action:     d.Action,
			Reason:     d.Reason,
			Confidence: d.Confidence,
			Executed:   executed[d.MessageID],
		})
	}

	if err := s.history.Record(ctx, run); err != nil {
		slog.Error("failed to record run history", "run_id", report.RunID, "error", err)
	}
}

func (s *Service) pushSummary(ctx context.Context, report *Report) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Push(ctx, SummaryText(report)); err != nil {
		slog.Error("failed to push run summary", "run_id", report.RunID, "error", err)
	}
}

// SummaryText renders a short human-readable run summary.
func SummaryText(report *Report) string {
	var sb strings.Builder

	if report.DryRun {
		sb.WriteString("mailsweep dry run\n")
	} else {
		sb.WriteString("mailsweep run\n")
	}
	fmt.Fprintf(&sb, "fetched %d, processed %d\n", report.Fetched, report.Stats.Processed)
	fmt.Fprintf(&sb, "deleted %d, archived %d, marked read %d, kept %d, errors %d",
		report.Stats.Deleted, report.Stats.Archived, report.Stats.MarkedRead,
		report.Stats.Kept, report.Stats.Errors)
	for _, e := range report.BatchErrors {
		sb.WriteString("\nbatch error: ")
		sb.WriteString(e)
	}

	return sb.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
