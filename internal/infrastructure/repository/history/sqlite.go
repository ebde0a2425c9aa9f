// Package history persists run records in a local SQLite database.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	domain "github.com/ysegawa/mailsweep/internal/domain/history"
	"github.com/ysegawa/mailsweep/internal/domain/mail"
)

type sqliteRepo struct {
	db *sqlx.DB
}

var _ domain.Repo = (*sqliteRepo)(nil)

// NewSQLiteRepo opens (or creates) the database at dbPath, enables WAL mode
// and applies the schema.
func NewSQLiteRepo(dbPath string) (domain.Repo, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	r := &sqliteRepo{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return r, nil
}

func (r *sqliteRepo) Close() error {
	return r.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	dry_run INTEGER NOT NULL,
	processed INTEGER NOT NULL,
	deleted INTEGER NOT NULL,
	archived INTEGER NOT NULL,
	marked_read INTEGER NOT NULL,
	kept INTEGER NOT NULL,
	errors INTEGER NOT NULL,
	batch_errors TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS run_decisions (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	subject TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	confidence REAL NOT NULL,
	executed INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_decisions_run ON run_decisions(run_id);
`

func (r *sqliteRepo) migrate() error {
	_, err := r.db.Exec(schema)
	return err
}

// Record writes the run and its decisions in one transaction.
func (r *sqliteRepo) Record(ctx context.Context, run domain.RunRecord) error {
	batchErrors, err := json.Marshal(run.BatchErrors)
	if err != nil {
		return fmt.Errorf("encoding batch errors: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, dry_run,
			processed, deleted, archived, marked_read, kept, errors, batch_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt, run.FinishedAt, run.DryRun,
		run.Stats.Processed, run.Stats.Deleted, run.Stats.Archived,
		run.Stats.MarkedRead, run.Stats.Kept, run.Stats.Errors, string(batchErrors),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	for _, d := range run.Decisions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_decisions (run_id, message_id, sender, subject,
				action, reason, confidence, executed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, d.MessageID, d.From, d.Subject,
			string(d.Action), d.Reason, d.Confidence, d.Executed,
		)
		if err != nil {
			return fmt.Errorf("inserting decision for %s: %w", d.MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run: %w", err)
	}
	return nil
}

type runRow struct {
	ID          string    `db:"id"`
	StartedAt   time.Time `db:"started_at"`
	FinishedAt  time.Time `db:"finished_at"`
	DryRun      bool      `db:"dry_run"`
	Processed   int       `db:"processed"`
	Deleted     int       `db:"deleted"`
	Archived    int       `db:"archived"`
	MarkedRead  int       `db:"marked_read"`
	Kept        int       `db:"kept"`
	Errors      int       `db:"errors"`
	BatchErrors string    `db:"batch_errors"`
}

type decisionRow struct {
	RunID      string  `db:"run_id"`
	MessageID  string  `db:"message_id"`
	Sender     string  `db:"sender"`
	Subject    string  `db:"subject"`
	Action     string  `db:"action"`
	Reason     string  `db:"reason"`
	Confidence float64 `db:"confidence"`
	Executed   bool    `db:"executed"`
}

// Recent returns the latest runs, newest first, with their decisions.
func (r *sqliteRepo) Recent(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []runRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]domain.RunRecord, 0, len(rows))
	for _, row := range rows {
		var batchErrors []string
		if err := json.Unmarshal([]byte(row.BatchErrors), &batchErrors); err != nil {
			return nil, fmt.Errorf("decoding batch errors for run %s: %w", row.ID, err)
		}

		var drows []decisionRow
		err := r.db.SelectContext(ctx, &drows,
			`SELECT * FROM run_decisions WHERE run_id = ?`, row.ID)
		if err != nil {
			return nil, fmt.Errorf("listing decisions for run %s: %w", row.ID, err)
		}

		decisions := make([]domain.DecisionRecord, 0, len(drows))
		for _, d := range drows {
			decisions = append(decisions, domain.DecisionRecord{
				MessageID:  d.MessageID,
				From:       d.Sender,
				Subject:    d.Subject,
				Action:     mail.Action(d.Action),
				Reason:     d.Reason,
				Confidence: d.Confidence,
				Executed:   d.Executed,
			})
		}

		runs = append(runs, domain.RunRecord{
			ID:         row.ID,
			StartedAt:  row.StartedAt,
			FinishedAt: row.FinishedAt,
			DryRun:     row.DryRun,
			Stats: mail.Stats{
				Processed:  row.Processed,
				Deleted:    row.Deleted,
				Archived:   row.Archived,
				MarkedRead: row.MarkedRead,
				Kept:       row.Kept,
				Errors:     row.Errors,
			},
			BatchErrors: batchErrors,
			Decisions:   decisions,
		})
	}

	return runs, nil
}
