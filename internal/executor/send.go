package executor

import (
	"context"
	"encoding/json"
	"fmt"
)

// Sender delivers a rendered message to a chat. The Telegram adapter
// implements this; tests substitute fakes.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// SendPayload is the payload shape shared by the delivery kinds.
type SendPayload struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// NewSend returns an executor that delivers a message payload via s.
func NewSend(s Sender) Executor {
	return Func(func(ctx context.Context, payload json.RawMessage) (Result, error) {
		var p SendPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Result{}, NoRetry(fmt.Errorf("decode send payload: %w", err))
		}
		if p.ChatID == 0 {
			return Result{}, NoRetry(fmt.Errorf("send payload missing chat_id"))
		}
		if p.Text == "" {
			return Result{}, NoRetry(fmt.Errorf("send payload missing text"))
		}
		if err := s.Send(ctx, p.ChatID, p.Text); err != nil {
			return Result{}, fmt.Errorf("send to chat %d: %w", p.ChatID, err)
		}
		return Result{Detail: fmt.Sprintf("delivered to chat %d", p.ChatID)}, nil
	})
}
