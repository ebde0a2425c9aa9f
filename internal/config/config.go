// Package config reads the application configuration from environment
// variables (optionally seeded from a .env file by the caller).
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	GmailCredentialsPath string
	GmailTokenPath       string

	AnthropicAPIKey string
	ClaudeModel     string
	ClaudeMaxTokens int

	BatchSize       int
	ProcessingLimit int64
	UnreadOnly      bool
	CustomRules     []string
	RulesFile       string

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ActionPacing   time.Duration

	HistoryDBPath string

	LineChannelToken string
	LineUserID       string

	LogLevel string
}

// Load reads all settings from the environment, applying defaults for
// anything unset.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("GMAIL_CREDENTIALS_PATH", "credentials.json")
	v.SetDefault("GMAIL_TOKEN_PATH", defaultDataPath("token.json"))
	v.SetDefault("CLAUDE_MODEL", "")
	v.SetDefault("CLAUDE_MAX_TOKENS", 0)
	v.SetDefault("BATCH_SIZE", 10)
	v.SetDefault("PROCESSING_LIMIT", 50)
	v.SetDefault("UNREAD_ONLY", false)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_BASE_DELAY_MS", 1000)
	v.SetDefault("RETRY_MAX_DELAY_MS", 30000)
	v.SetDefault("ACTION_PACING_MS", 200)
	v.SetDefault("HISTORY_DB_PATH", defaultDataPath("history.db"))
	v.SetDefault("LOG_LEVEL", "info")

	return &Config{
		GmailCredentialsPath: v.GetString("GMAIL_CREDENTIALS_PATH"),
		GmailTokenPath:       v.GetString("GMAIL_TOKEN_PATH"),

		AnthropicAPIKey: v.GetString("ANTHROPIC_API_KEY"),
		ClaudeModel:     v.GetString("CLAUDE_MODEL"),
		ClaudeMaxTokens: v.GetInt("CLAUDE_MAX_TOKENS"),

		BatchSize:       v.GetInt("BATCH_SIZE"),
		ProcessingLimit: v.GetInt64("PROCESSING_LIMIT"),
		UnreadOnly:      v.GetBool("UNREAD_ONLY"),
		CustomRules:     splitRules(v.GetString("CUSTOM_RULES")),
		RulesFile:       v.GetString("RULES_FILE"),

		MaxRetries:     v.GetInt("MAX_RETRIES"),
		RetryBaseDelay: time.Duration(v.GetInt("RETRY_BASE_DELAY_MS")) * time.Millisecond,
		RetryMaxDelay:  time.Duration(v.GetInt("RETRY_MAX_DELAY_MS")) * time.Millisecond,
		ActionPacing:   time.Duration(v.GetInt("ACTION_PACING_MS")) * time.Millisecond,

		HistoryDBPath: v.GetString("HISTORY_DB_PATH"),

		LineChannelToken: v.GetString("LINE_CHANNEL_TOKEN"),
		LineUserID:       v.GetString("LINE_USER_ID"),

		LogLevel: v.GetString("LOG_LEVEL"),
	}
}

// splitRules parses the comma-separated CUSTOM_RULES value, dropping empty
// entries.
func splitRules(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", name)
	}
	return filepath.Join(home, ".mailsweep", name)
}
