package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ysegawa/mailsweep/internal/domain/classify"
	"github.com/ysegawa/mailsweep/internal/domain/mail"
)

// scriptedClassifier returns the scripted errors in order, then succeeds
// with one keep decision per message.
type scriptedClassifier struct {
	errs  []error
	calls int
}

func (c *scriptedClassifier) Classify(_ context.Context, msgs []mail.Message, _ []classify.Rule) ([]mail.Decision, error) {
	call := c.calls
	c.calls++
	if call < len(c.errs) && c.errs[call] != nil {
		return nil, c.errs[call]
	}
	out := make([]mail.Decision, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, mail.Decision{MessageID: m.ID, Action: mail.ActionKeep, Confidence: 1})
	}
	return out, nil
}

func testMessages(n int) []mail.Message {
	msgs := make([]mail.Message, n)
	for i := range msgs {
		msgs[i] = mail.Message{ID: fmt.Sprintf("msg-%d", i)}
	}
	return msgs
}

// newTestOrchestrator wires a deterministic jitter (factor 1.0) and a sleep
// recorder instead of real sleeping.
func newTestOrchestrator(c classify.Classifier, cfg Config) (*Orchestrator, *[]time.Duration) {
	o := New(c, cfg)
	slept := &[]time.Duration{}
	o.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	o.jitter = func() float64 { return 0.5 }
	return o, slept
}

func TestRunEmptyInput(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{}
	o, slept := newTestOrchestrator(c, Config{})

	res, err := o.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 0 || res.Processed != 0 || len(res.Errors) != 0 {
		t.Errorf("empty input: got %+v, want zero result", res)
	}
	if c.calls != 0 {
		t.Errorf("classifier invoked %d times for empty input", c.calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times for empty input", len(*slept))
	}
}

func TestRunBatchSplit(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{}
	o, _ := newTestOrchestrator(c, Config{BatchSize: 10})

	res, err := o.Run(context.Background(), testMessages(25), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.calls != 3 {
		t.Errorf("got %d classifier calls, want 3 (ceil(25/10))", c.calls)
	}
	if len(res.Decisions) != 25 || res.Processed != 25 {
		t.Errorf("got %d decisions / %d processed, want 25 / 25", len(res.Decisions), res.Processed)
	}
	for i, d := range res.Decisions {
		if d.MessageID != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("decision %d out of order: %q", i, d.MessageID)
		}
	}
}

func TestRetryableFailuresThenSuccess(t *testing.T) {
	t.Parallel()

	maxRetries := 3
	rateLimited := errors.New("API error (429): rate limit exceeded")
	c := &scriptedClassifier{errs: []error{rateLimited, rateLimited, rateLimited}}
	cfg := Config{BatchSize: 10, MaxRetries: maxRetries, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	o, slept := newTestOrchestrator(c, cfg)

	res, err := o.Run(context.Background(), testMessages(5), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("batch recorded as failed: %v", res.Errors)
	}
	if len(res.Decisions) != 5 {
		t.Errorf("got %d decisions, want 5", len(res.Decisions))
	}
	if c.calls != maxRetries+1 {
		t.Errorf("got %d classifier calls, want %d", c.calls, maxRetries+1)
	}
	// Exactly one backoff sleep per retry, each within the cap. Single
	// batch, so no pacing sleeps.
	if len(*slept) != maxRetries {
		t.Fatalf("got %d sleeps, want %d", len(*slept), maxRetries)
	}
	for i, d := range *slept {
		if d > cfg.MaxDelay {
			t.Errorf("sleep %d = %v exceeds MaxDelay %v", i, d, cfg.MaxDelay)
		}
		want := cfg.BaseDelay * (1 << uint(i))
		if d != want {
			t.Errorf("sleep %d = %v, want %v with neutral jitter", i, d, want)
		}
	}
}

func TestFatalErrorFailsOnlyItsBatch(t *testing.T) {
	t.Parallel()

	fatal := errors.New("invalid request: model not found")
	// Second batch fails fatally; first and third succeed.
	c := &scriptedClassifier{errs: []error{nil, fatal}}
	o, _ := newTestOrchestrator(c, Config{BatchSize: 5, MaxRetries: 3})

	res, err := o.Run(context.Background(), testMessages(15), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.calls != 3 {
		t.Errorf("got %d classifier calls, want 3 (fatal error must not retry)", c.calls)
	}
	if len(res.Decisions) != 10 || res.Processed != 10 {
		t.Errorf("got %d decisions / %d processed, want 10 / 10", len(res.Decisions), res.Processed)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(res.Errors), res.Errors)
	}
	if got := res.Errors[0]; got == "" || !strings.Contains(got, "batch 2/3") {
		t.Errorf("error should name the failed batch: %q", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	transient := errors.New("upstream timeout")
	c := &scriptedClassifier{errs: []error{transient, transient, transient}}
	o, _ := newTestOrchestrator(c, Config{BatchSize: 10, MaxRetries: 2})

	res, err := o.Run(context.Background(), testMessages(4), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.calls != 3 {
		t.Errorf("got %d classifier calls, want 3 (1 + 2 retries)", c.calls)
	}
	if len(res.Decisions) != 0 || res.Processed != 0 {
		t.Errorf("exhausted batch contributed decisions: %+v", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "retries exhausted") {
		t.Errorf("got errors %v, want one exhaustion entry", res.Errors)
	}
}

func TestInterBatchPacingAndCircuitBreaker(t *testing.T) {
	t.Parallel()

	fatal := errors.New("bad request")
	c := &scriptedClassifier{errs: []error{fatal, fatal, fatal, fatal}}
	cfg := Config{BatchSize: 1, MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	o, slept := newTestOrchestrator(c, cfg)

	res, err := o.Run(context.Background(), testMessages(4), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Errors) != 4 {
		t.Fatalf("got %d errors, want 4", len(res.Errors))
	}

	// Pacing after batches 1..3 only; batch 3 pushes the consecutive
	// failure count to the circuit breaker threshold, adding a MaxDelay
	// pause on top of the pacing sleep.
	want := []time.Duration{
		2 * time.Second, // delay(1)
		4 * time.Second, // delay(2)
		8 * time.Second, // delay(3)
		cfg.MaxDelay,    // circuit breaker
	}
	if len(*slept) != len(want) {
		t.Fatalf("got %d sleeps %v, want %d", len(*slept), *slept, len(want))
	}
	for i, d := range *slept {
		if d != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, d, want[i])
		}
	}
}

func TestPacingResetsAfterSuccess(t *testing.T) {
	t.Parallel()

	fatal := errors.New("schema violation")
	c := &scriptedClassifier{errs: []error{fatal, nil, nil}}
	cfg := Config{BatchSize: 1, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	o, slept := newTestOrchestrator(c, cfg)

	if _, err := o.Run(context.Background(), testMessages(3), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []time.Duration{
		2 * time.Second, // delay(1) after the failure
		time.Second,     // delay(0) after the success reset
	}
	if len(*slept) != len(want) {
		t.Fatalf("got sleeps %v, want %v", *slept, want)
	}
	for i, d := range *slept {
		if d != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, d, want[i])
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{BatchSize: 1, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	o := New(&scriptedClassifier{}, cfg)

	o.jitter = func() float64 { return 0 }
	if got, want := o.delay(0), 750*time.Millisecond; got != want {
		t.Errorf("low jitter delay(0) = %v, want %v", got, want)
	}

	o.jitter = func() float64 { return 1 }
	if got, want := o.delay(1), 2500*time.Millisecond; got != want {
		t.Errorf("high jitter delay(1) = %v, want %v", got, want)
	}

	// Deep attempts cap at MaxDelay even with maximum jitter.
	if got := o.delay(40); got > cfg.MaxDelay {
		t.Errorf("delay(40) = %v exceeds MaxDelay %v", got, cfg.MaxDelay)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	t.Parallel()

	transient := errors.New("request timeout")
	c := &scriptedClassifier{errs: []error{transient, transient, transient, transient}}
	o := New(c, Config{BatchSize: 10, MaxRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	o.jitter = func() float64 { return 0.5 }
	o.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := o.Run(ctx, testMessages(3), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	retryable := []string{
		"Rate Limit exceeded",
		"http 429 too many requests",
		"dial tcp: i/o timeout",
		"server returned 502 Bad Gateway",
		"read: ECONNRESET",
		"api overloaded, try later",
	}
	for _, s := range retryable {
		if !Retryable(errors.New(s)) {
			t.Errorf("%q should be retryable", s)
		}
	}

	fatal := []string{
		"invalid api key",
		"model not found",
		"401 unauthorized",
	}
	for _, s := range fatal {
		if Retryable(errors.New(s)) {
			t.Errorf("%q should be fatal", s)
		}
	}
	if Retryable(nil) {
		t.Error("nil error reported retryable")
	}
}

