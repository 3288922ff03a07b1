package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"gopkg.in/gomail.v2"
	tele "gopkg.in/telebot.v4"

	"reportd/internal/report"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		chat   int64
		thread int
		ok     bool
	}{
		{"tg:-100123", -100123, 0, true},
		{"tg:42/7", 42, 7, true},
		{"tg:", 0, 0, false},
		{"tg:abc", 0, 0, false},
		{"tg:42/0", 0, 0, false},
		{"ops@example.com", 0, 0, false},
	}
	for _, tt := range tests {
		chat, thread, err := parseTarget(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseTarget(%q) err = %v", tt.in, err)
		}
		if tt.ok && (chat != tt.chat || thread != tt.thread) {
			t.Fatalf("parseTarget(%q) = %d/%d, want %d/%d", tt.in, chat, thread, tt.chat, tt.thread)
		}
	}
}

type fakeBot struct {
	to   tele.Recipient
	what interface{}
	opts []interface{}
}

func (b *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	b.to, b.what, b.opts = to, what, opts
	return &tele.Message{}, nil
}

func TestTelegramSenderSendsDocument(t *testing.T) {
	t.Parallel()

	bot := &fakeBot{}
	s := &TelegramSender{bot: bot}
	if !s.Accepts("tg:1") || s.Accepts("ops@example.com") {
		t.Fatal("Accepts routing wrong")
	}
	err := s.Send(context.Background(), Message{
		Recipient: "tg:-100/3",
		Subject:   "Rent roll v2",
		Artifact:  report.Artifact{Path: "/tmp/rent-roll/v2.pdf", Name: "v2.pdf", MIME: "application/pdf"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if bot.to.Recipient() != "-100" {
		t.Fatalf("recipient = %q", bot.to.Recipient())
	}
	doc, ok := bot.what.(*tele.Document)
	if !ok || doc.FileName != "v2.pdf" || doc.Caption != "Rent roll v2" {
		t.Fatalf("what = %#v", bot.what)
	}
	if opt, ok := bot.opts[0].(*tele.SendOptions); !ok || opt.ThreadID != 3 {
		t.Fatalf("opts = %#v", bot.opts)
	}

	if err := s.Send(context.Background(), Message{Recipient: "tg:nope"}); err == nil {
		t.Fatal("expected error for bad chat id")
	}
}

func TestSMTPSender(t *testing.T) {
	t.Parallel()

	if NewSMTPSender(SMTPConfig{}) != nil {
		t.Fatal("sender without host should be nil")
	}
	s := NewSMTPSender(SMTPConfig{Host: "mail.example.com", Username: "reports@example.com"})
	if s.cfg.Port != 587 || s.cfg.From != "reports@example.com" {
		t.Fatalf("defaults = %+v", s.cfg)
	}
	if !s.Accepts("ops@example.com") || s.Accepts("tg:1") || s.Accepts("ops") {
		t.Fatal("Accepts routing wrong")
	}

	var got *gomail.Message
	s.send = func(m *gomail.Message) error { got = m; return nil }
	if err := s.Send(context.Background(), Message{Recipient: "ops@example.com", Subject: "Rent roll v2", Body: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if to := got.GetHeader("To"); len(to) != 1 || to[0] != "ops@example.com" {
		t.Fatalf("To = %v", to)
	}
	if subj := got.GetHeader("Subject"); len(subj) != 1 || !strings.Contains(subj[0], "v2") {
		t.Fatalf("Subject = %v", subj)
	}

	s.send = func(*gomail.Message) error { return errors.New("dial tcp: refused") }
	if err := s.Send(context.Background(), Message{Recipient: "ops@example.com"}); err == nil {
		t.Fatal("expected send error")
	}
}
