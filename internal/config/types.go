package config

import (
	"fmt"
	"strings"

	"postbot/internal/breaker"
	"postbot/internal/health"
	"postbot/internal/notify"
	"postbot/internal/queue"
	"postbot/internal/sched"
	"postbot/internal/store"
	"postbot/internal/transport/telegram"
	"postbot/pkg/logx"
)

// Config is the on-disk configuration. Durations are strings in Go syntax
// ("30s", "5m"); zero or missing values fall back to component defaults.
type Config struct {
	Log      LogConfig      `json:"log"`
	Store    StoreConfig    `json:"store"`
	Telegram TelegramConfig `json:"telegram"`
	Breaker  BreakerConfig  `json:"breaker"`
	Queue    QueueConfig    `json:"queue"`
	Sched    SchedConfig    `json:"sched"`
	Health   HealthConfig   `json:"health"`
	Notify   NotifyConfig   `json:"notify"`
}

type LogConfig struct {
	Level   string `json:"level"`
	Console *bool  `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

func (c LogConfig) Build() logx.Config {
	console := true
	if c.Console != nil {
		console = *c.Console
	}
	return logx.Config{
		Level:   c.Level,
		Console: console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

func (c StoreConfig) Build() (store.Config, error) {
	busy, err := ParseDurationField("store.busy_timeout", c.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Driver: c.Driver, Path: c.Path, BusyTimeout: busy}, nil
}

type TelegramConfig struct {
	Token             string  `json:"token"`
	OperatorChatID    int64   `json:"operator_chat_id"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	PollTimeout       string  `json:"poll_timeout"`
}

func (c TelegramConfig) Build() (telegram.Config, error) {
	poll, err := ParseDurationField("telegram.poll_timeout", c.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:             c.Token,
		OperatorChatID:    c.OperatorChatID,
		MessagesPerSecond: c.MessagesPerSecond,
		PollTimeout:       poll,
	}, nil
}

// BreakerSettings is one breaker tuning block: shared defaults at the top
// level, per-dependency overrides underneath.
type BreakerSettings struct {
	FailureThreshold      int    `json:"failure_threshold"`
	CoolDown              string `json:"cool_down"`
	RecoveryConfirmations int    `json:"recovery_confirmations"`
	CallTimeout           string `json:"call_timeout"`
}

func (c BreakerSettings) build(path string) (breaker.Config, error) {
	coolDown, err := ParseDurationField(path+".cool_down", c.CoolDown)
	if err != nil {
		return breaker.Config{}, err
	}
	callTimeout, err := ParseDurationField(path+".call_timeout", c.CallTimeout)
	if err != nil {
		return breaker.Config{}, err
	}
	return breaker.Config{
		FailureThreshold:      c.FailureThreshold,
		CoolDown:              coolDown,
		RecoveryConfirmations: c.RecoveryConfirmations,
		CallTimeout:           callTimeout,
	}, nil
}

type BreakerConfig struct {
	BreakerSettings
	Overrides map[string]BreakerSettings `json:"overrides"`
}

func (c BreakerConfig) Build() (breaker.Config, map[string]breaker.Config, error) {
	defaults, err := c.BreakerSettings.build("breaker")
	if err != nil {
		return breaker.Config{}, nil, err
	}
	var overrides map[string]breaker.Config
	if len(c.Overrides) > 0 {
		overrides = make(map[string]breaker.Config, len(c.Overrides))
		for name, s := range c.Overrides {
			bc, err := s.build("breaker.overrides." + name)
			if err != nil {
				return breaker.Config{}, nil, err
			}
			overrides[name] = bc
		}
	}
	return defaults, overrides, nil
}

type QueueConfig struct {
	BatchSize     int     `json:"batch_size"`
	TickInterval  string  `json:"tick_interval"`
	RateLimit     int     `json:"rate_limit"`
	RateWindow    string  `json:"rate_window"`
	MaxAttempts   int     `json:"max_attempts"`
	RetryBase     string  `json:"retry_base"`
	RetryMaxDelay string  `json:"retry_max_delay"`
	RetryJitter   float64 `json:"retry_jitter"`
	StuckAfter    string  `json:"stuck_after"`
	SweepInterval string  `json:"sweep_interval"`
	RetentionAge  string  `json:"retention_age"`
}

func (c QueueConfig) Build() (queue.Config, error) {
	var (
		out queue.Config
		err error
	)
	out.BatchSize = c.BatchSize
	out.RateLimit = c.RateLimit
	out.MaxAttempts = c.MaxAttempts
	out.RetryJitter = c.RetryJitter
	if out.TickInterval, err = ParseDurationField("queue.tick_interval", c.TickInterval); err != nil {
		return out, err
	}
	if out.RateWindow, err = ParseDurationField("queue.rate_window", c.RateWindow); err != nil {
		return out, err
	}
	if out.RetryBase, err = ParseDurationField("queue.retry_base", c.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = ParseDurationField("queue.retry_max_delay", c.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.StuckAfter, err = ParseDurationField("queue.stuck_after", c.StuckAfter); err != nil {
		return out, err
	}
	if out.SweepInterval, err = ParseDurationField("queue.sweep_interval", c.SweepInterval); err != nil {
		return out, err
	}
	if out.RetentionAge, err = ParseDurationField("queue.retention_age", c.RetentionAge); err != nil {
		return out, err
	}
	return out, nil
}

type SchedConfig struct {
	ReconcileInterval string `json:"reconcile_interval"`
	MaxTimerHorizon   string `json:"max_timer_horizon"`
}

func (c SchedConfig) Build() (sched.Config, error) {
	var (
		out sched.Config
		err error
	)
	if out.ReconcileInterval, err = ParseDurationField("sched.reconcile_interval", c.ReconcileInterval); err != nil {
		return out, err
	}
	if out.MaxTimerHorizon, err = ParseDurationField("sched.max_timer_horizon", c.MaxTimerHorizon); err != nil {
		return out, err
	}
	return out, nil
}

type HealthConfig struct {
	ProbeInterval         string  `json:"probe_interval"`
	MemoryWarnPercent     float64 `json:"memory_warn_percent"`
	MemoryCriticalPercent float64 `json:"memory_critical_percent"`
	BacklogWarn           int     `json:"backlog_warn"`
	BacklogCritical       int     `json:"backlog_critical"`
	EscalateAfter         int     `json:"escalate_after"`
	ProbeTimeout          string  `json:"probe_timeout"`
}

func (c HealthConfig) Build() (health.Config, error) {
	var (
		out health.Config
		err error
	)
	out.MemoryWarnPercent = c.MemoryWarnPercent
	out.MemoryCriticalPercent = c.MemoryCriticalPercent
	out.BacklogWarn = c.BacklogWarn
	out.BacklogCritical = c.BacklogCritical
	out.EscalateAfter = c.EscalateAfter
	if out.ProbeInterval, err = ParseDurationField("health.probe_interval", c.ProbeInterval); err != nil {
		return out, err
	}
	if out.ProbeTimeout, err = ParseDurationField("health.probe_timeout", c.ProbeTimeout); err != nil {
		return out, err
	}
	return out, nil
}

type NotifyConfig struct {
	QueueSize     int    `json:"queue_size"`
	DedupWindow   string `json:"dedup_window"`
	RatePerMinute int    `json:"rate_per_minute"`
	SendTimeout   string `json:"send_timeout"`
}

func (c NotifyConfig) Build() (notify.Config, error) {
	var (
		out notify.Config
		err error
	)
	out.QueueSize = c.QueueSize
	out.RatePerMinute = c.RatePerMinute
	if out.DedupWindow, err = ParseDurationField("notify.dedup_window", c.DedupWindow); err != nil {
		return out, err
	}
	if out.SendTimeout, err = ParseDurationField("notify.send_timeout", c.SendTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// Validate cross-checks field combinations the decoder cannot.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.Queue.RetryJitter < 0 || c.Queue.RetryJitter > 1 {
		return fmt.Errorf("queue.retry_jitter must be in [0, 1]")
	}
	if c.Health.MemoryWarnPercent > c.Health.MemoryCriticalPercent && c.Health.MemoryCriticalPercent > 0 {
		return fmt.Errorf("health.memory_warn_percent exceeds memory_critical_percent")
	}
	// Building every section surfaces duration syntax errors early.
	if _, err := c.Store.Build(); err != nil {
		return err
	}
	if _, err := c.Telegram.Build(); err != nil {
		return err
	}
	if _, _, err := c.Breaker.Build(); err != nil {
		return err
	}
	if _, err := c.Queue.Build(); err != nil {
		return err
	}
	if _, err := c.Sched.Build(); err != nil {
		return err
	}
	if _, err := c.Health.Build(); err != nil {
		return err
	}
	if _, err := c.Notify.Build(); err != nil {
		return err
	}
	return nil
}
