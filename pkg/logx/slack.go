package logx

import (
	"context"
	"strings"

	"github.com/slack-go/slack"
)

// SlackSender posts alert lines to a Slack channel.
type SlackSender struct {
	api *slack.Client
}

// NewSlackSender returns nil when token is empty so callers can pass the
// result straight into New.
func NewSlackSender(token string) AlertSender {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return &SlackSender{api: slack.New(token)}
}

func (s *SlackSender) SendAlert(ctx context.Context, channel, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	return err
}
