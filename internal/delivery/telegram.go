package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const telegramPrefix = "tg:"

type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSender posts the artifact as a document to "tg:<chat id>" or
// "tg:<chat id>/<thread id>" recipients.
type TelegramSender struct {
	bot botAPI
}

// NewTelegramSender returns nil, nil when no token is configured.
func NewTelegramSender(token string) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	// Offline skips getMe; the daemon only sends.
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b}, nil
}

func (t *TelegramSender) Channel() string { return "telegram" }

func (t *TelegramSender) Accepts(recipient string) bool {
	return strings.HasPrefix(recipient, telegramPrefix)
}

func parseTarget(recipient string) (chatID int64, threadID int, err error) {
	v, ok := strings.CutPrefix(recipient, telegramPrefix)
	if !ok {
		return 0, 0, fmt.Errorf("not a telegram recipient: %q", recipient)
	}
	chat, thread, hasThread := strings.Cut(v, "/")
	chatID, err = strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("invalid chat id in %q", recipient)
	}
	if hasThread {
		threadID, err = strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || threadID <= 0 {
			return 0, 0, fmt.Errorf("invalid thread id in %q", recipient)
		}
	}
	return chatID, threadID, nil
}

func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, threadID, err := parseTarget(msg.Recipient)
	if err != nil {
		return err
	}
	if t.bot == nil {
		return errors.New("telegram bot not configured")
	}
	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{ThreadID: threadID}
	caption := msg.Subject
	if caption == "" {
		caption = msg.Body
	}
	if msg.Artifact.Path == "" {
		_, err = t.bot.Send(chat, caption+"\n"+msg.Body, opt)
		return err
	}
	doc := &tele.Document{
		File:     tele.FromDisk(msg.Artifact.Path),
		FileName: msg.Artifact.Name,
		MIME:     msg.Artifact.MIME,
		Caption:  caption,
	}
	_, err = t.bot.Send(chat, doc, opt)
	return err
}
