// Package claude implements the message classifier on top of the Anthropic
// Messages API.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ysegawa/mailsweep/internal/domain/classify"
	"github.com/ysegawa/mailsweep/internal/domain/mail"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 2048
	defaultAPIURL    = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

type classifier struct {
	apiKey    string
	model     string
	maxTokens int
	apiURL    string
	client    *http.Client
}

var _ classify.Classifier = (*classifier)(nil)

// NewClassifier creates a Claude-backed classifier. Empty model and
// non-positive maxTokens fall back to defaults.
func NewClassifier(apiKey, model string, maxTokens int) classify.Classifier {
	if model == "" {
		model = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &classifier{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		apiURL:    defaultAPIURL,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Classify asks the model for one decision per message. Backend and
// transport failures are returned as errors for the caller's retry policy;
// a malformed response body never is — the whole batch degrades to keep
// decisions instead, because partial trust in a broken payload is worse
// than none.
func (c *classifier) Classify(ctx context.Context, messages []mail.Message, rules []classify.Rule) ([]mail.Decision, error) {
	if len(messages) == 0 {
		return []mail.Decision{}, nil
	}

	prompt, err := buildPrompt(messages, rules)
	if err != nil {
		return nil, fmt.Errorf("building prompt: %w", err)
	}

	text, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	raw, ok := parseDecisionPayload(text)
	if !ok {
		slog.Warn("classifier response unparseable, keeping whole batch",
			"messages", len(messages),
		)
		return degradedDecisions(messages, 0, "parse/analysis failure"), nil
	}

	return reconcile(messages, raw), nil
}

// complete performs one Messages API call and returns the concatenated text
// content of the reply.
func (c *classifier) complete(ctx context.Context, prompt string) (string, error) {
	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling Claude API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

const systemPrompt = "You are an email triage assistant. You classify emails " +
	"against a numbered rule list and reply with strict JSON only: a JSON " +
	"array with one object per email, each {\"id\", \"action\", \"reason\", " +
	"\"confidence\"}. action is one of delete, archive, mark_read, keep. " +
	"confidence is a number between 0 and 1. No prose outside the JSON array."

// messageSummary is the per-message view sent to the model.
type messageSummary struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Snippet string `json:"snippet"`
	AgeDays int    `json:"age_days"`
}

func buildPrompt(messages []mail.Message, rules []classify.Rule) (string, error) {
	summaries := make([]messageSummary, 0, len(messages))
	for _, m := range messages {
		summaries = append(summaries, messageSummary{
			ID:      m.ID,
			From:    m.From,
			Subject: m.Subject,
			Snippet: m.Snippet,
			AgeDays: m.AgeDays,
		})
	}

	payload, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Rules, in priority order (earlier rules win):\n")
	for i, r := range rules {
		fmt.Fprintf(&sb, "%d. %s → Action: %s\n", i+1, r.Description, r.Action)
	}
	sb.WriteString("\nEmails:\n")
	sb.Write(payload)
	sb.WriteString("\n\nClassify every email. Reply with the JSON array only.")
	return sb.String(), nil
}

// rawDecision is one entry of the model's JSON reply.
type rawDecision struct {
	ID         string  `json:"id"`
	Action     string  `json:"action"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// parseDecisionPayload extracts the JSON array from the reply text. Models
// occasionally wrap the array in prose or code fences, so everything outside
// the outermost brackets is ignored.
func parseDecisionPayload(text string) ([]rawDecision, bool) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, false
	}

	var raw []rawDecision
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, false
	}
	return raw, true
}

// reconcile enforces the output contract: exactly one decision per input
// message, in input order. Messages the model skipped get a synthesized
// keep decision; unknown actions degrade to keep; confidence is clamped
// to [0, 1].
func reconcile(messages []mail.Message, raw []rawDecision) []mail.Decision {
	byID := make(map[string]rawDecision, len(raw))
	for _, r := range raw {
		if _, dup := byID[r.ID]; !dup {
			byID[r.ID] = r
		}
	}

	out := make([]mail.Decision, 0, len(messages))
	for _, m := range messages {
		r, ok := byID[m.ID]
		if !ok {
			out = append(out, mail.Decision{
				MessageID:  m.ID,
				Action:     mail.ActionKeep,
				Reason:     "no explicit decision",
				Confidence: 0.5,
			})
			continue
		}

		conf := r.Confidence
		if conf < 0 {
			conf = 0
		} else if conf > 1 {
			conf = 1
		}

		out = append(out, mail.Decision{
			MessageID:  m.ID,
			Action:     mail.ParseAction(r.Action),
			Reason:     r.Reason,
			Confidence: conf,
		})
	}
	return out
}

func degradedDecisions(messages []mail.Message, confidence float64, reason string) []mail.Decision {
	out := make([]mail.Decision, 0, len(messages))
	for _, m := range messages {
		out = append(out, mail.Decision{
			MessageID:  m.ID,
			Action:     mail.ActionKeep,
			Reason:     reason,
			Confidence: confidence,
		})
	}
	return out
}

// --- Claude API types ---

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
	Model   string            `json:"model"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
