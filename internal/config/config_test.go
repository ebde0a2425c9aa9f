package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.BatchSize)
	}
	if cfg.ProcessingLimit != 50 {
		t.Errorf("ProcessingLimit = %d, want 50", cfg.ProcessingLimit)
	}
	if cfg.UnreadOnly {
		t.Error("UnreadOnly should default to false")
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryBaseDelay != time.Second || cfg.RetryMaxDelay != 30*time.Second {
		t.Errorf("retry delays = %v / %v", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if len(cfg.CustomRules) != 0 {
		t.Errorf("CustomRules = %v, want none", cfg.CustomRules)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "5")
	t.Setenv("UNREAD_ONLY", "true")
	t.Setenv("RETRY_BASE_DELAY_MS", "250")
	t.Setenv("CUSTOM_RULES", "Delete old promos, Archive receipts")

	cfg := Load()

	if cfg.BatchSize != 5 {
		t.Errorf("BatchSize = %d, want 5", cfg.BatchSize)
	}
	if !cfg.UnreadOnly {
		t.Error("UnreadOnly override not applied")
	}
	if cfg.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v, want 250ms", cfg.RetryBaseDelay)
	}
	want := []string{"Delete old promos", "Archive receipts"}
	if !reflect.DeepEqual(cfg.CustomRules, want) {
		t.Errorf("CustomRules = %v, want %v", cfg.CustomRules, want)
	}
}

func TestSplitRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"  ", 0},
		{"one", 1},
		{"one, two", 2},
		{"one,,two,", 2},
	}
	for _, c := range cases {
		if got := splitRules(c.in); len(got) != c.want {
			t.Errorf("splitRules(%q) = %v, want %d entries", c.in, got, c.want)
		}
	}
}
