// Package telegram adapts the bot API for message delivery and operator
// notifications. All sends share one rate limiter so scheduled deliveries
// and alerts cannot trip Telegram's flood control together.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postbot/internal/notify"
	"postbot/pkg/logx"
)

// Config holds adapter settings.
type Config struct {
	Token string `json:"token" yaml:"token"`
	// OperatorChatID receives notifications. Zero disables the sink.
	OperatorChatID int64 `json:"operator_chat_id" yaml:"operator_chat_id"`
	// MessagesPerSecond caps outgoing sends. Zero means 25, just under
	// Telegram's global limit.
	MessagesPerSecond float64       `json:"messages_per_second" yaml:"messages_per_second"`
	PollTimeout       time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
}

// Adapter wraps the bot client. It implements the executor's Sender and the
// notify package's Sink.
type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	mps := cfg.MessagesPerSecond
	if mps <= 0 {
		mps = 25
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("component", "telegram")),
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(mps), 1),
	}, nil
}

// Send delivers text to a chat, honoring the shared rate limit.
func (a *Adapter) Send(ctx context.Context, chatID int64, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := a.bot.Send(tele.ChatID(chatID), text); err != nil {
		var fe tele.FloodError
		if errors.As(err, &fe) {
			return fmt.Errorf("telegram: flood control, retry after %ds: %w", fe.RetryAfter, err)
		}
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	return nil
}

// Deliver sends an operator notification to the configured chat.
func (a *Adapter) Deliver(ctx context.Context, n notify.Notification) error {
	if a.cfg.OperatorChatID == 0 {
		return errors.New("telegram: no operator chat configured")
	}
	text := n.Subject
	if n.Body != "" {
		text += "\n" + n.Body
	}
	return a.Send(ctx, a.cfg.OperatorChatID, text)
}

// Ping verifies API reachability. Used as a health probe.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.cfg.OperatorChatID == 0 {
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := a.bot.ChatByID(a.cfg.OperatorChatID); err != nil {
		return fmt.Errorf("telegram: ping: %w", err)
	}
	return nil
}
