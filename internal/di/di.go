package di

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ysegawa/mailsweep/internal/config"
	historydomain "github.com/ysegawa/mailsweep/internal/domain/history"
	"github.com/ysegawa/mailsweep/internal/domain/mail"
	"github.com/ysegawa/mailsweep/internal/domain/notify"
	"github.com/ysegawa/mailsweep/internal/infrastructure/repository/claude"
	gmailrepo "github.com/ysegawa/mailsweep/internal/infrastructure/repository/gmail"
	historyrepo "github.com/ysegawa/mailsweep/internal/infrastructure/repository/history"
	linerepo "github.com/ysegawa/mailsweep/internal/infrastructure/repository/line"
	"github.com/ysegawa/mailsweep/internal/service/orchestrator"
	"github.com/ysegawa/mailsweep/internal/service/rules"
	"github.com/ysegawa/mailsweep/internal/service/sweeper"
)

type Container struct {
	Mailbox   mail.Mailbox
	RuleStore *rules.Store
	History   historydomain.Repo
	Sweeper   *sweeper.Service
}

// NewContainer wires the full application graph from configuration.
// History and LINE notification are optional and disabled by empty config
// values; everything else is required.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}

	mailbox, err := gmailrepo.NewMailbox(ctx, cfg.GmailCredentialsPath, cfg.GmailTokenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Gmail mailbox: %w", err)
	}

	ruleStore := rules.NewStore(cfg.CustomRules)
	if cfg.RulesFile != "" {
		if err := ruleStore.LoadFile(cfg.RulesFile); err != nil {
			return nil, fmt.Errorf("failed to load rules file: %w", err)
		}
	}

	classifier := claude.NewClassifier(cfg.AnthropicAPIKey, cfg.ClaudeModel, cfg.ClaudeMaxTokens)

	orch := orchestrator.New(classifier, orchestrator.Config{
		BatchSize:  cfg.BatchSize,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	})

	var historyRepo historydomain.Repo
	if cfg.HistoryDBPath != "" {
		historyRepo, err = historyrepo.NewSQLiteRepo(cfg.HistoryDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open history db: %w", err)
		}
	}

	var notifier notify.Notifier
	if cfg.LineChannelToken != "" && cfg.LineUserID != "" {
		notifier, err = linerepo.NewNotifier(cfg.LineChannelToken, cfg.LineUserID)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LINE notifier: %w", err)
		}
		slog.Info("LINE summary notifications enabled")
	}

	sweepSvc := sweeper.NewService(mailbox, ruleStore, orch, historyRepo, notifier, sweeper.Config{
		ProcessingLimit: cfg.ProcessingLimit,
		UnreadOnly:      cfg.UnreadOnly,
		ActionPacing:    cfg.ActionPacing,
	})

	return &Container{
		Mailbox:   mailbox,
		RuleStore: ruleStore,
		History:   historyRepo,
		Sweeper:   sweepSvc,
	}, nil
}

func (c *Container) Close() error {
	if c.History != nil {
		return c.History.Close()
	}
	return nil
}
