// Package gmail implements the Mailbox gateway over the Gmail API.
package gmail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/ysegawa/mailsweep/internal/domain/mail"
)

// handledLabelName marks messages this tool has already processed so they
// are excluded from later fetches.
const handledLabelName = "mailsweep/processed"

const snippetLimit = 100

type mailbox struct {
	svc *gmail.Service

	// Resolved lazily on first MarkHandled.
	handledLabelID string
}

var _ mail.Mailbox = (*mailbox)(nil)

// NewMailbox builds a Mailbox from an OAuth client credentials file and a
// cached token file (written by the auth flow).
func NewMailbox(ctx context.Context, credentialsPath, tokenPath string) (mail.Mailbox, error) {
	config, err := loadOAuthConfig(credentialsPath)
	if err != nil {
		return nil, err
	}

	token, err := loadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("no cached token (run the auth command first): %w", err)
	}

	client := config.Client(ctx, token)
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create gmail service: %w", err)
	}

	return &mailbox{svc: svc}, nil
}

func loadOAuthConfig(credentialsPath string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	return config, nil
}

// searchQuery builds the Gmail search expression for candidate messages:
// inbox mail not yet carrying the handled label, optionally unread only.
func searchQuery(unreadOnly bool) string {
	q := "in:inbox -label:" + handledLabelName
	if unreadOnly {
		q += " is:unread"
	}
	return q
}

// Fetch lists candidate message IDs (paginating until limit is reached or
// the listing is exhausted) and resolves each to a full message. Messages
// that fail to resolve are skipped, not fatal.
func (m *mailbox) Fetch(ctx context.Context, unreadOnly bool, limit int64) ([]mail.Message, error) {
	user := "me"
	q := searchQuery(unreadOnly)

	var ids []string
	pageToken := ""
	for {
		call := m.svc.Users.Messages.List(user).Q(q).Context(ctx)
		if limit > 0 {
			remaining := limit - int64(len(ids))
			if remaining <= 0 {
				break
			}
			call = call.MaxResults(remaining)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("unable to list messages: %w", err)
		}
		for _, msg := range resp.Messages {
			ids = append(ids, msg.Id)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" || (limit > 0 && int64(len(ids)) >= limit) {
			break
		}
	}
	if limit > 0 && int64(len(ids)) > limit {
		ids = ids[:limit]
	}

	now := time.Now()
	messages := make([]mail.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := m.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		if err != nil {
			slog.Warn("skipping unretrievable message", "message_id", id, "error", err)
			continue
		}
		messages = append(messages, buildMessage(msg, now))
	}

	return messages, nil
}

// buildMessage converts a Gmail API message into the domain shape, pulling
// sender and subject from the headers and deriving the message age.
func buildMessage(msg *gmail.Message, now time.Time) mail.Message {
	var from, subject string
	var date time.Time

	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "From":
				from = header.Value
			case "Subject":
				subject = header.Value
			case "Date":
				date = parseDateHeader(header.Value)
			}
		}
	}
	if date.IsZero() && msg.InternalDate > 0 {
		date = time.UnixMilli(msg.InternalDate)
	}

	snippet := msg.Snippet
	if len(snippet) > snippetLimit {
		snippet = snippet[:snippetLimit] + "..."
	}

	return mail.Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		From:     from,
		Subject:  subject,
		Snippet:  snippet,
		Date:     date,
		AgeDays:  mail.AgeDaysAt(date, now),
		Labels:   msg.LabelIds,
	}
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
}

func parseDateHeader(value string) time.Time {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ApplyAction performs the terminal action for one message. Keep is a
// no-op here; marking the message handled is a separate call.
func (m *mailbox) ApplyAction(ctx context.Context, action mail.Action, messageID string) error {
	user := "me"

	switch action {
	case mail.ActionDelete:
		if _, err := m.svc.Users.Messages.Trash(user, messageID).Context(ctx).Do(); err != nil {
			return fmt.Errorf("unable to trash message %s: %w", messageID, err)
		}
	case mail.ActionArchive:
		mod := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"INBOX"}}
		if _, err := m.svc.Users.Messages.Modify(user, messageID, mod).Context(ctx).Do(); err != nil {
			return fmt.Errorf("unable to archive message %s: %w", messageID, err)
		}
	case mail.ActionMarkRead:
		mod := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}
		if _, err := m.svc.Users.Messages.Modify(user, messageID, mod).Context(ctx).Do(); err != nil {
			return fmt.Errorf("unable to mark message %s read: %w", messageID, err)
		}
	case mail.ActionKeep:
		// Nothing to do.
	default:
		return fmt.Errorf("unknown action %q for message %s", action, messageID)
	}

	return nil
}

// MarkHandled adds the handled label, creating it on first use.
func (m *mailbox) MarkHandled(ctx context.Context, messageID string) error {
	labelID, err := m.ensureHandledLabel(ctx)
	if err != nil {
		return err
	}

	mod := &gmail.ModifyMessageRequest{AddLabelIds: []string{labelID}}
	if _, err := m.svc.Users.Messages.Modify("me", messageID, mod).Context(ctx).Do(); err != nil {
		return fmt.Errorf("unable to mark message %s handled: %w", messageID, err)
	}
	return nil
}

func (m *mailbox) ensureHandledLabel(ctx context.Context) (string, error) {
	if m.handledLabelID != "" {
		return m.handledLabelID, nil
	}

	user := "me"
	list, err := m.svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to list labels: %w", err)
	}
	for _, l := range list.Labels {
		if l.Name == handledLabelName {
			m.handledLabelID = l.Id
			return l.Id, nil
		}
	}

	created, err := m.svc.Users.Labels.Create(user, &gmail.Label{
		Name:                  handledLabelName,
		LabelListVisibility:   "labelHide",
		MessageListVisibility: "hide",
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to create handled label: %w", err)
	}

	slog.Info("created handled label", "label", handledLabelName, "id", created.Id)
	m.handledLabelID = created.Id
	return created.Id, nil
}
