package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"postbot/internal/job"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	noop := Func(func(context.Context, json.RawMessage) (Result, error) { return Result{}, nil })

	if err := r.Register(job.KindDigest, Binding{Exec: noop}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(job.KindDigest, Binding{Exec: noop}); err == nil {
		t.Fatal("duplicate register must fail")
	}
	if err := r.Register("bogus", Binding{Exec: noop}); err == nil {
		t.Fatal("invalid kind must fail")
	}
	if err := r.Register(job.KindCustom, Binding{}); err == nil {
		t.Fatal("nil executor must fail")
	}

	if _, ok := r.Resolve(job.KindDigest); !ok {
		t.Fatal("registered kind must resolve")
	}
	if _, ok := r.Resolve(job.KindBreaking); ok {
		t.Fatal("unregistered kind must not resolve")
	}
}

func TestNoRetryMarking(t *testing.T) {
	t.Parallel()
	base := errors.New("bad input")
	wrapped := NoRetry(base)
	if !IsNoRetry(wrapped) {
		t.Fatal("NoRetry error not detected")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("NoRetry must preserve the cause chain")
	}
	if IsNoRetry(base) {
		t.Fatal("plain error reported as no-retry")
	}
	if IsNoRetry(fmt.Errorf("outer: %w", base)) {
		t.Fatal("wrapped plain error reported as no-retry")
	}
	if NoRetry(nil) != nil {
		t.Fatal("NoRetry(nil) must be nil")
	}
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()
	err := RetryAfter(errors.New("rate limited"), 42*time.Second)
	var ra RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatal("hint not detected")
	}
	if ra.RetryAfter() != 42*time.Second {
		t.Fatalf("hint: got %s, want 42s", ra.RetryAfter())
	}
}

type fakeSender struct {
	chatID int64
	text   string
	err    error
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	f.chatID, f.text = chatID, text
	return f.err
}

func TestSendExecutor(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	exec := NewSend(s)

	res, err := exec.Execute(context.Background(), json.RawMessage(`{"chat_id":42,"text":"hi"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.chatID != 42 || s.text != "hi" {
		t.Fatalf("sender got chat=%d text=%q", s.chatID, s.text)
	}
	if res.Detail == "" {
		t.Fatal("expected a detail message")
	}
}

func TestSendExecutorBadPayloadIsPermanent(t *testing.T) {
	t.Parallel()
	exec := NewSend(&fakeSender{})
	cases := []string{`not json`, `{"text":"hi"}`, `{"chat_id":42}`}
	for _, payload := range cases {
		_, err := exec.Execute(context.Background(), json.RawMessage(payload))
		if err == nil {
			t.Fatalf("payload %q: expected error", payload)
		}
		if !IsNoRetry(err) {
			t.Errorf("payload %q: error should be permanent, got %v", payload, err)
		}
	}
}

func TestSendExecutorTransportErrorIsRetryable(t *testing.T) {
	t.Parallel()
	exec := NewSend(&fakeSender{err: errors.New("telegram down")})
	_, err := exec.Execute(context.Background(), json.RawMessage(`{"chat_id":1,"text":"x"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if IsNoRetry(err) {
		t.Fatal("transport errors must stay retryable")
	}
}
