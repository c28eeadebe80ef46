package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"postbot/internal/eventbus"
	"postbot/pkg/logx"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func testConfig() Config {
	return Config{
		FailureThreshold:      3,
		CoolDown:              50 * time.Millisecond,
		RecoveryConfirmations: 2,
		CallTimeout:           time.Second,
	}
}

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing, nil); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: got %v, want %v", i, err, errBoom)
		}
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := New("dep", testConfig(), logx.Nop(), nil)

	trip(t, b)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after threshold: got %s, want %s", got, StateOpen)
	}

	// While open the call must be rejected without running the op.
	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	}, nil)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("open breaker: got %v, want %v", err, ErrBreakerOpen)
	}
	if invoked {
		t.Fatal("op must not run while the breaker is open")
	}
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	t.Parallel()
	b := New("dep", testConfig(), logx.Nop(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.Execute(ctx, failing, nil)
	}
	if err := b.Execute(ctx, succeeding, nil); err != nil {
		t.Fatalf("success: %v", err)
	}
	for i := 0; i < 2; i++ {
		b.Execute(ctx, failing, nil)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("non-consecutive failures must not trip, state %s", got)
	}
}

func TestBreakerRecoversAfterConfirmations(t *testing.T) {
	t.Parallel()
	b := New("dep", testConfig(), logx.Nop(), nil)
	ctx := context.Background()

	trip(t, b)
	time.Sleep(80 * time.Millisecond)

	// Two consecutive probe successes close the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, succeeding, nil); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after confirmations: got %s, want %s", got, StateClosed)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b := New("dep", testConfig(), logx.Nop(), nil)
	ctx := context.Background()

	trip(t, b)
	time.Sleep(80 * time.Millisecond)

	if err := b.Execute(ctx, failing, nil); !errors.Is(err, errBoom) {
		t.Fatalf("probe failure: %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed probe: got %s, want %s", got, StateOpen)
	}
}

func TestBreakerCallTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.FailureThreshold = 1
	b := New("slow", cfg, logx.Nop(), nil)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("got %v, want %v", err, ErrCallTimeout)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("timeout must count as failure, state %s", got)
	}
}

func TestBreakerFallback(t *testing.T) {
	t.Parallel()
	b := New("dep", testConfig(), logx.Nop(), nil)

	var cause error
	err := b.Execute(context.Background(), failing, func(_ context.Context, c error) error {
		cause = c
		return nil
	})
	if err != nil {
		t.Fatalf("fallback result: %v", err)
	}
	if !errors.Is(cause, errBoom) {
		t.Fatalf("fallback cause: got %v, want %v", cause, errBoom)
	}

	// The counted failure is the op's, not the fallback's.
	snap := b.Snapshot()
	if snap.ConsecutiveFailures != 1 {
		t.Fatalf("consecutive failures: got %d, want 1", snap.ConsecutiveFailures)
	}
}

func TestBreakerPublishesStateChanges(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	b := New("dep", testConfig(), logx.Nop(), bus)
	trip(t, b)

	select {
	case e := <-ch:
		if e.Type != "breaker.state" {
			t.Fatalf("event type: got %s", e.Type)
		}
		change, ok := e.Data.(StateChange)
		if !ok {
			t.Fatalf("event data: %T", e.Data)
		}
		if change.Name != "dep" || change.To != StateOpen {
			t.Fatalf("unexpected change: %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change event")
	}
}

func TestRegistryHealthSummary(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testConfig(), map[string]Config{
		"fragile": {FailureThreshold: 1, CoolDown: time.Minute},
	}, logx.Nop(), nil)

	r.Get("stable")
	if got := r.HealthSummary().Health; got != HealthHealthy {
		t.Fatalf("all closed: got %s, want %s", got, HealthHealthy)
	}

	r.Get("fragile").Execute(context.Background(), failing, nil)
	sum := r.HealthSummary()
	if sum.Health != HealthCritical {
		t.Fatalf("with open breaker: got %s, want %s", sum.Health, HealthCritical)
	}
	if len(sum.Open) != 1 || sum.Open[0] != "fragile" {
		t.Fatalf("open list: %v", sum.Open)
	}
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testConfig(), nil, logx.Nop(), nil)
	if r.Get("a") != r.Get("a") {
		t.Fatal("Get must return the same breaker for the same name")
	}
	snaps := r.Snapshots()
	if len(snaps) != 1 || snaps[0].Name != "a" {
		t.Fatalf("snapshots: %+v", snaps)
	}
}
