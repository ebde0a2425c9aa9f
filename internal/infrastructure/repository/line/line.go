// Package line pushes run summaries to a LINE account.
package line

import (
	"context"
	"fmt"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/ysegawa/mailsweep/internal/domain/notify"
)

type lineNotifier struct {
	bot    *messaging_api.MessagingApiAPI
	userID string
}

var _ notify.Notifier = (*lineNotifier)(nil)

// NewNotifier creates a LINE-backed notifier pushing to a single user.
func NewNotifier(channelToken, userID string) (notify.Notifier, error) {
	if channelToken == "" {
		return nil, fmt.Errorf("line channel token is empty")
	}
	if userID == "" {
		return nil, fmt.Errorf("line user ID is empty")
	}

	bot, err := messaging_api.NewMessagingApiAPI(channelToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging API: %w", err)
	}

	return &lineNotifier{bot: bot, userID: userID}, nil
}

func (n *lineNotifier) Push(ctx context.Context, message string) error {
	_, err := n.bot.PushMessage(
		&messaging_api.PushMessageRequest{
			To: n.userID,
			Messages: []messaging_api.MessageInterface{
				messaging_api.TextMessage{
					Text: message,
				},
			},
		},
		"",
	)
	if err != nil {
		return fmt.Errorf("failed to push summary: %w", err)
	}

	return nil
}
