package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram/bot"
	"github.com/smith3v/flashsync/pkg/config"
	"github.com/smith3v/flashsync/pkg/logger"
	"github.com/smith3v/flashsync/pkg/reachability"
	"github.com/smith3v/flashsync/pkg/syncqueue"
)

const sendTimeout = 10 * time.Second

// Sender delivers a plain text message to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type botSender struct {
	b *bot.Bot
}

func (s botSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := s.b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	return err
}

// NewBotSender creates a Telegram sender. The token is not verified at start
// so the app keeps working while offline.
func NewBotSender(token string, opts ...bot.Option) (Sender, error) {
	b, err := bot.New(token, append([]bot.Option{bot.WithSkipGetMe()}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return botSender{b: b}, nil
}

// Notifier forwards queue health signals to a Telegram chat.
type Notifier struct {
	sender Sender
	chatID int64
}

func NewNotifier(sender Sender, chatID int64) *Notifier {
	return &Notifier{sender: sender, chatID: chatID}
}

// FromConfig returns nil when alerts are not configured.
func FromConfig(cfg config.AlertsConfig) (*Notifier, error) {
	if cfg.TelegramToken == "" {
		return nil, nil
	}
	sender, err := NewBotSender(cfg.TelegramToken)
	if err != nil {
		return nil, err
	}
	return NewNotifier(sender, cfg.ChatID), nil
}

// RetryExhausted implements syncqueue.Observer.
func (n *Notifier) RetryExhausted(ctx context.Context, err *syncqueue.RetryExhaustedError) {
	op := err.Op
	text := fmt.Sprintf("flashsync: %s of %s %s failed after %d attempts and needs attention (operation %d).\nLast error: %v",
		op.Kind, op.EntityType, op.EntityID, op.RetryCount, op.ID, err.Err)
	n.send(ctx, text)
}

// WatchReachability reports every reachability change until ctx ends or
// edges is closed.
func (n *Notifier) WatchReachability(ctx context.Context, edges <-chan reachability.Edge) {
	for {
		select {
		case <-ctx.Done():
			return
		case edge, ok := <-edges:
			if !ok {
				return
			}
			switch edge {
			case reachability.BecameUnreachable:
				n.send(ctx, "flashsync: remote became unreachable, changes are queued locally.")
			case reachability.BecameReachable:
				n.send(ctx, "flashsync: remote is reachable again, syncing queued changes.")
			}
		}
	}
}

func (n *Notifier) send(ctx context.Context, text string) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := n.sender.SendMessage(sendCtx, n.chatID, text); err != nil {
		logger.Error("failed to send alert", "chat_id", n.chatID, "error", err)
	}
}
