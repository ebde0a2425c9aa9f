package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ysegawa/mailsweep/internal/config"
	"github.com/ysegawa/mailsweep/internal/di"
	gmailrepo "github.com/ysegawa/mailsweep/internal/infrastructure/repository/gmail"
	historyrepo "github.com/ysegawa/mailsweep/internal/infrastructure/repository/history"
	"github.com/ysegawa/mailsweep/internal/service/rules"
	"github.com/ysegawa/mailsweep/internal/service/sweeper"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found")
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if err := rootCmd(cfg).ExecuteContext(ctx); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	slog.SetDefault(slog.New(handler))
}

func rootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailsweep",
		Short:         "Classify and clean up your Gmail inbox with a rule set and an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCmd(cfg))
	root.AddCommand(authCmd(cfg))
	root.AddCommand(rulesCmd(cfg))
	root.AddCommand(historyCmd(cfg))

	return root
}

func runCmd(cfg *config.Config) *cobra.Command {
	var (
		dryRun     bool
		limit      int64
		unreadOnly bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch, classify and act on inbox messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("limit") {
				cfg.ProcessingLimit = limit
			}
			if cmd.Flags().Changed("unread-only") {
				cfg.UnreadOnly = unreadOnly
			}

			container, err := di.NewContainer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer container.Close()

			report, err := container.Sweeper.Run(cmd.Context(), dryRun)
			if err != nil {
				return err
			}

			if dryRun {
				printDecisions(report)
			}
			fmt.Println(sweeper.SummaryText(report))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "classify only, do not touch the mailbox")
	cmd.Flags().Int64Var(&limit, "limit", cfg.ProcessingLimit, "maximum messages to process")
	cmd.Flags().BoolVar(&unreadOnly, "unread-only", cfg.UnreadOnly, "only consider unread messages")

	return cmd
}

func printDecisions(report *sweeper.Report) {
	for _, d := range report.Decisions {
		fmt.Printf("%-10s %.2f  %s  %s\n", d.Action, d.Confidence, d.MessageID, d.Reason)
	}
}

func authCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Run the one-time Gmail OAuth consent flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := gmailrepo.NewAuthenticator(cfg.GmailCredentialsPath, cfg.GmailTokenPath)
			if err != nil {
				return err
			}

			fmt.Println("Open this URL in a browser and authorize access:")
			fmt.Println(auth.AuthURL())
			fmt.Print("\nPaste the authorization code: ")

			reader := bufio.NewReader(cmd.InOrStdin())
			code, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading authorization code: %w", err)
			}

			if err := auth.Exchange(cmd.Context(), strings.TrimSpace(code)); err != nil {
				return err
			}

			fmt.Println("Token saved to", cfg.GmailTokenPath)
			return nil
		},
	}
}

func rulesCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the active rule set in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := rules.NewStore(cfg.CustomRules)
			if cfg.RulesFile != "" {
				if err := store.LoadFile(cfg.RulesFile); err != nil {
					return err
				}
			}
			fmt.Print(store.PromptList())
			return nil
		},
	}
}

func historyCmd(cfg *config.Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sweep runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.HistoryDBPath == "" {
				return fmt.Errorf("history is disabled (HISTORY_DB_PATH is empty)")
			}

			repo, err := historyrepo.NewSQLiteRepo(cfg.HistoryDBPath)
			if err != nil {
				return err
			}
			defer repo.Close()

			runs, err := repo.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded yet.")
				return nil
			}

			for _, r := range runs {
				mode := "run"
				if r.DryRun {
					mode = "dry-run"
				}
				fmt.Printf("%s  %s  %s  processed=%d deleted=%d archived=%d marked_read=%d kept=%d errors=%d\n",
					r.StartedAt.Format("2006-01-02 15:04:05"), r.ID, mode,
					r.Stats.Processed, r.Stats.Deleted, r.Stats.Archived,
					r.Stats.MarkedRead, r.Stats.Kept, r.Stats.Errors)
				for _, e := range r.BatchErrors {
					fmt.Printf("    batch error: %s\n", e)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to show")
	return cmd
}
