// Package orchestrator drives classification in fixed-size batches with
// bounded retry, jittered exponential backoff and per-batch failure
// isolation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/ysegawa/mailsweep/internal/domain/classify"
	"github.com/ysegawa/mailsweep/internal/domain/mail"
)

const (
	defaultBatchSize  = 10
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second

	// After this many consecutive failed batches the pacing between
	// batches grows by a full MaxDelay, giving a struggling backend
	// room to recover.
	circuitBreakerThreshold = 3
)

type Config struct {
	BatchSize  int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Result aggregates one run: decisions in input order, the count of
// messages in successful batches, and one error string per failed batch.
type Result struct {
	Decisions []mail.Decision
	Processed int
	Errors    []string
}

type Orchestrator struct {
	classifier classify.Classifier
	cfg        Config

	// Injectable for deterministic tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func New(classifier classify.Classifier, cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	return &Orchestrator{
		classifier: classifier,
		cfg:        cfg,
		sleep:      sleepCtx,
		jitter:     rng.Float64,
	}
}

// Run classifies all messages batch by batch. A batch that exhausts its
// retries, or fails with a non-retryable error, contributes zero decisions
// and one entry in Result.Errors; the run continues with the next batch.
// The only error Run itself returns is context cancellation, so
// len(Result.Decisions) plus the messages of failed batches always equals
// len(messages) on a completed run.
func (o *Orchestrator) Run(ctx context.Context, messages []mail.Message, rules []classify.Rule) (Result, error) {
	var res Result
	if len(messages) == 0 {
		return res, nil
	}

	total := len(messages)
	numBatches := (total + o.cfg.BatchSize - 1) / o.cfg.BatchSize
	consecutiveFailures := 0

	for start := 0; start < total; start += o.cfg.BatchSize {
		end := start + o.cfg.BatchSize
		if end > total {
			end = total
		}
		batch := messages[start:end]
		batchNum := start/o.cfg.BatchSize + 1

		decisions, err := o.classifyWithRetry(ctx, batch, rules)
		switch {
		case err != nil && isCtxErr(err):
			return res, err
		case err != nil:
			consecutiveFailures++
			res.Errors = append(res.Errors,
				fmt.Sprintf("batch %d/%d (%d messages): %v", batchNum, numBatches, len(batch), err))
			slog.Warn("batch failed",
				"batch", batchNum,
				"total_batches", numBatches,
				"messages", len(batch),
				"consecutive_failures", consecutiveFailures,
				"error", err,
			)
		default:
			consecutiveFailures = 0
			res.Decisions = append(res.Decisions, decisions...)
			res.Processed += len(batch)
		}

		if end < total {
			if err := o.sleep(ctx, o.delay(consecutiveFailures)); err != nil {
				return res, err
			}
			if consecutiveFailures >= circuitBreakerThreshold {
				slog.Warn("circuit breaker engaged, pausing before next batch",
					"consecutive_failures", consecutiveFailures,
					"pause", o.cfg.MaxDelay,
				)
				if err := o.sleep(ctx, o.cfg.MaxDelay); err != nil {
					return res, err
				}
			}
		}
	}

	return res, nil
}

// classifyWithRetry drives a single batch through the classifier. Attempt 0
// runs immediately; retryable failures get up to MaxRetries further attempts
// with a backoff sleep before each. Non-retryable errors abort the batch on
// the spot.
func (o *Orchestrator) classifyWithRetry(ctx context.Context, batch []mail.Message, rules []classify.Rule) ([]mail.Decision, error) {
	var lastErr error

	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		decisions, err := o.classifier.Classify(ctx, batch, rules)
		if err == nil {
			return decisions, nil
		}
		if isCtxErr(err) {
			return nil, err
		}
		if !Retryable(err) {
			return nil, fmt.Errorf("non-retryable classifier error: %w", err)
		}

		lastErr = err
		slog.Warn("retryable classifier error",
			"attempt", attempt,
			"max_retries", o.cfg.MaxRetries,
			"error", err,
		)
	}

	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", o.cfg.MaxRetries+1, lastErr)
}

// delay computes the backoff before retry number attempt+1: the exponential
// value capped at MaxDelay, perturbed by a uniform ±25% jitter, floored to
// whole milliseconds and never exceeding MaxDelay.
func (o *Orchestrator) delay(attempt int) time.Duration {
	capped := o.cfg.MaxDelay
	// Shift overflows past ~60 attempts; only compute it while meaningful.
	if attempt < 32 {
		exp := o.cfg.BaseDelay * (1 << uint(attempt))
		if exp > 0 && exp < capped {
			capped = exp
		}
	}

	factor := 0.75 + 0.5*o.jitter()
	ms := math.Floor(float64(capped.Milliseconds()) * factor)
	d := time.Duration(ms) * time.Millisecond
	if d > o.cfg.MaxDelay {
		d = o.cfg.MaxDelay
	}
	return d
}

// retryableMarkers are matched case-insensitively against the error text:
// rate limiting, timeouts, 5xx-class responses and transient network
// failures are worth retrying, everything else is not.
var retryableMarkers = []string{
	"rate limit",
	"rate_limit",
	"429",
	"timeout",
	"timed out",
	"500",
	"502",
	"503",
	"529",
	"overloaded",
	"econnreset",
	"connection reset",
}

// Retryable reports whether err looks like a transient backend failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
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
