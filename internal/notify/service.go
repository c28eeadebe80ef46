// Package notify delivers small, high-signal operator messages: dead-letter
// reports, health escalations, breaker trips. Delivery runs async behind a
// bounded queue with a dedup window and a rate limit, so a flapping
// dependency cannot flood the operator chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: stopped")
)

// Notification is one operator message.
type Notification struct {
	Subject string
	Body    string
	At      time.Time
}

// Sink delivers notifications. The Telegram adapter implements this; the log
// sink is the fallback when no chat is configured.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the log.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Deliver(_ context.Context, n Notification) error {
	s.Log.Warn("notification", logx.String("subject", n.Subject), logx.String("body", n.Body))
	return nil
}

// Config tunes the service. Zero fields fall back to defaults.
type Config struct {
	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// DedupWindow suppresses repeats of the same subject+body.
	DedupWindow time.Duration `json:"dedup_window" yaml:"dedup_window"`
	// RatePerMinute caps deliveries. Zero means 20.
	RatePerMinute int           `json:"rate_per_minute" yaml:"rate_per_minute"`
	SendTimeout   time.Duration `json:"send_timeout" yaml:"send_timeout"`
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Service is the async notification pipeline. It is safe for concurrent use.
type Service struct {
	cfg     Config
	sink    Sink
	log     logx.Logger
	limiter *rate.Limiter
	now     func() time.Time

	queue chan Notification

	dmu   sync.Mutex
	dedup map[string]time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config, sink Sink, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		sink:    sink,
		log:     log.With(logx.String("component", "notify")),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute),
		now:     time.Now,
		queue:   make(chan Notification, cfg.QueueSize),
		dedup:   make(map[string]time.Time),
		stopped: make(chan struct{}),
	}
}

// Notify queues a message for delivery. Duplicates inside the dedup window
// are silently dropped. Never blocks.
func (s *Service) Notify(_ context.Context, subject, body string) error {
	select {
	case <-s.stopped:
		return ErrStopped
	default:
	}
	if s.suppressed(subject, body) {
		return nil
	}
	n := Notification{Subject: subject, Body: body, At: s.now()}
	select {
	case s.queue <- n:
		return nil
	default:
		s.log.Warn("queue full, dropping notification", logx.String("subject", subject))
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled, then delivers what is already
// queued. Meant to run under the supervisor.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.stopOnce.Do(func() { close(s.stopped) })
			s.drain()
			return ctx.Err()
		case n := <-s.queue:
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	defer cancel()
	if err := s.sink.Deliver(sctx, n); err != nil {
		s.log.Error("deliver notification",
			logx.String("subject", n.Subject),
			logx.Err(err))
	}
}

func (s *Service) drain() {
	for {
		select {
		case n := <-s.queue:
			sctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
			if err := s.sink.Deliver(sctx, n); err != nil {
				s.log.Error("deliver queued notification", logx.Err(err))
			}
			cancel()
		default:
			return
		}
	}
}

func (s *Service) suppressed(subject, body string) bool {
	key := dedupKey(subject, body)
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return true
	}
	// Opportunistic cleanup keeps the map from growing unbounded.
	for k, until := range s.dedup {
		if now.After(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return false
}

func dedupKey(subject, body string) string {
	h := fnv.New64a()
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return fmt.Sprintf("%x", h.Sum64())
}
