// Package rules holds the in-memory rule set the classifier works against:
// three built-in rules plus any user-supplied ones, ordered by priority.
package rules

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ysegawa/mailsweep/internal/domain/classify"
	"github.com/ysegawa/mailsweep/internal/domain/mail"
)

// Store is an ordered, mutable collection of rules. It is not safe for
// concurrent use; the sweep runs on a single goroutine.
type Store struct {
	rules []classify.Rule
}

// NewStore seeds the built-in rules and appends one rule per custom text.
// Custom texts never fail to parse: when no action prefix is recognized the
// rule degrades to keep, the fail-safe action.
func NewStore(customTexts []string) *Store {
	s := &Store{
		rules: []classify.Rule{
			{
				ID:          "builtin-spam",
				Name:        "Spam",
				Description: "Delete obvious spam, phishing and scam emails",
				Action:      mail.ActionDelete,
				Priority:    1,
			},
			{
				ID:          "builtin-newsletter",
				Name:        "Newsletters",
				Description: "Archive newsletters, promotions and automated digests",
				Action:      mail.ActionArchive,
				Priority:    2,
			},
			{
				ID:          "builtin-important",
				Name:        "Important",
				Description: "Keep personal emails and anything that looks important",
				Action:      mail.ActionKeep,
				Priority:    3,
			},
		},
	}

	for i, text := range customTexts {
		s.rules = append(s.rules, parseCustom(text, i))
	}

	return s
}

// parseCustom builds a rule from a free-text instruction. The action is
// inferred from a case-insensitive prefix match; anything unrecognized
// becomes keep.
func parseCustom(text string, index int) classify.Rule {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	action := mail.ActionKeep
	switch {
	case strings.HasPrefix(lower, "delete"):
		action = mail.ActionDelete
	case strings.HasPrefix(lower, "archive"):
		action = mail.ActionArchive
	case strings.HasPrefix(lower, "mark read"), strings.HasPrefix(lower, "mark_read"):
		action = mail.ActionMarkRead
	case strings.HasPrefix(lower, "keep"):
		action = mail.ActionKeep
	}

	return classify.Rule{
		ID:          fmt.Sprintf("custom-%d", index),
		Name:        fmt.Sprintf("Custom rule %d", index+1),
		Description: trimmed,
		Action:      action,
		Priority:    10 + index,
	}
}

// Rules returns a copy of the rule set sorted ascending by priority.
// Equal priorities keep their insertion order. Mutating the returned slice
// does not affect the store.
func (s *Store) Rules() []classify.Rule {
	out := make([]classify.Rule, len(s.rules))
	copy(out, s.rules)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// PromptList renders the rules as a numbered list for the classifier prompt.
// The output is deterministic for identical rule sets.
func (s *Store) PromptList() string {
	var sb strings.Builder
	for i, r := range s.Rules() {
		fmt.Fprintf(&sb, "%d. %s → Action: %s\n", i+1, r.Description, r.Action)
	}
	return sb.String()
}

// Add appends a rule to the store.
func (s *Store) Add(r classify.Rule) {
	s.rules = append(s.rules, r)
}

// Remove deletes the rule with the given ID and reports whether one existed.
func (s *Store) Remove(id string) bool {
	kept := s.rules[:0]
	found := false
	for _, r := range s.rules {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	s.rules = kept
	return found
}

type rulesFile struct {
	Rules []string `yaml:"rules"`
}

// LoadFile reads additional custom rule texts from a YAML file with a
// top-level "rules" list and appends them after the existing custom rules.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}

	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parsing rules file %s: %w", path, err)
	}

	// Continue custom numbering after the rules already present.
	next := 0
	for _, r := range s.rules {
		if strings.HasPrefix(r.ID, "custom-") {
			next++
		}
	}
	for i, text := range rf.Rules {
		if strings.TrimSpace(text) == "" {
			continue
		}
		s.rules = append(s.rules, parseCustom(text, next+i))
	}

	return nil
}
