package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testGateway(cfg Config) *Gateway {
	return New(cfg, zerolog.Nop())
}

func TestInvokePermanentFailsImmediately(t *testing.T) {
	g := testGateway(Config{RetryMax: 3, RetryBase: time.Millisecond})
	calls := 0
	err := g.Invoke(context.Background(), Request{
		Adapter:    AdapterRecords,
		Op:         "list",
		Idempotent: true,
		Do: func(ctx context.Context) error {
			calls++
			return Permanent(errors.New("bad request"))
		},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsPermanent(err) {
		t.Fatalf("expected permanent classification, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestInvokeRetriesTransient(t *testing.T) {
	g := testGateway(Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	calls := 0
	err := g.Invoke(context.Background(), Request{
		Adapter:    AdapterRecords,
		Op:         "list",
		Idempotent: true,
		Do: func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return Transient(errors.New("503"))
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestInvokeExhaustsRetryBudget(t *testing.T) {
	g := testGateway(Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	calls := 0
	err := g.Invoke(context.Background(), Request{
		Adapter:    AdapterRecords,
		Op:         "list",
		Idempotent: true,
		Do: func(ctx context.Context) error {
			calls++
			return Transient(errors.New("timeout"))
		},
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
}

func TestInvokeTimeoutNonIdempotentIsUnknownOutcome(t *testing.T) {
	g := testGateway(Config{Timeout: 10 * time.Millisecond, RetryMax: 3, RetryBase: time.Millisecond})
	calls := 0
	err := g.Invoke(context.Background(), Request{
		Adapter: AdapterMessaging,
		Op:      "send",
		Do: func(ctx context.Context) error {
			calls++
			<-ctx.Done()
			return Transient(ctx.Err())
		},
	})
	if !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("expected ErrUnknownOutcome, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("unknown-outcome send must not be retried, got %d calls", calls)
	}
}

func TestInvokeTimeoutIdempotentIsRetried(t *testing.T) {
	g := testGateway(Config{Timeout: 5 * time.Millisecond, RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	calls := 0
	err := g.Invoke(context.Background(), Request{
		Adapter:    AdapterRecords,
		Op:         "list",
		Idempotent: true,
		Do: func(ctx context.Context) error {
			calls++
			if calls == 1 {
				<-ctx.Done()
				return Transient(ctx.Err())
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected timeout to be retried, got %d calls", calls)
	}
}

func TestBreakerOpensAndCoolsDown(t *testing.T) {
	g := testGateway(Config{
		RetryMax: 0,
		Breaker:  BreakerConfig{TripFailures: 2, BaseDelay: 20 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	})
	fail := Request{
		Adapter:    AdapterMessaging,
		Op:         "send",
		Idempotent: true,
		Do:         func(ctx context.Context) error { return Transient(errors.New("down")) },
	}

	for i := 0; i < 2; i++ {
		if err := g.Invoke(context.Background(), fail); err == nil {
			t.Fatal("expected failure")
		}
	}

	// Third call must short-circuit without contacting the adapter.
	calls := 0
	err := g.Invoke(context.Background(), Request{
		Adapter:    AdapterMessaging,
		Op:         "send",
		Idempotent: true,
		Do: func(ctx context.Context) error {
			calls++
			return nil
		},
	})
	if !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("expected ErrAdapterUnavailable, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("open breaker must not contact the adapter, got %d calls", calls)
	}

	snaps := g.Snapshot(time.Now())
	if len(snaps) != 1 || !snaps[0].Open {
		t.Fatalf("expected one open breaker in snapshot, got %+v", snaps)
	}

	// After the cooldown the adapter is contacted again; success
	// closes the circuit.
	time.Sleep(25 * time.Millisecond)
	err = g.Invoke(context.Background(), Request{
		Adapter:    AdapterMessaging,
		Op:         "send",
		Idempotent: true,
		Do: func(ctx context.Context) error {
			calls++
			return nil
		},
	})
	if err != nil {
		t.Fatalf("expected success after cooldown, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected adapter contacted after cooldown, got %d calls", calls)
	}
	snaps = g.Snapshot(time.Now())
	if len(snaps) != 1 || snaps[0].Open || snaps[0].Failures != 0 {
		t.Fatalf("expected closed, reset breaker, got %+v", snaps)
	}
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	g := testGateway(Config{Breaker: BreakerConfig{TripFailures: 2}})
	req := Request{
		Adapter:    AdapterRecords,
		Op:         "update",
		Idempotent: true,
		Do:         func(ctx context.Context) error { return Permanent(errors.New("403")) },
	}
	for i := 0; i < 5; i++ {
		if err := g.Invoke(context.Background(), req); !IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
	}
	for _, snap := range g.Snapshot(time.Now()) {
		if snap.Open {
			t.Fatalf("permanent errors must not trip the breaker: %+v", snap)
		}
	}
}

func TestBackoffRespectsRetryAfterHint(t *testing.T) {
	g := testGateway(Config{RetryBase: time.Millisecond, RetryMaxDelay: 10 * time.Millisecond, RetryJitter: 0.2})
	d := g.backoffDelay(1, RetryAfter(errors.New("429"), time.Hour))
	if d > 12*time.Millisecond {
		t.Fatalf("hint must be bounded by RetryMaxDelay (plus jitter), got %v", d)
	}
	if d <= 0 {
		t.Fatalf("expected positive delay, got %v", d)
	}
}

func TestBackoffGrowsExponentially(t *testing.T) {
	g := testGateway(Config{RetryBase: 10 * time.Millisecond, RetryMaxDelay: time.Minute, RetryJitter: 0.0001})
	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := g.backoffDelay(attempt, errors.New("x"))
		if d <= prev {
			t.Fatalf("attempt %d: expected growth, got %v after %v", attempt, d, prev)
		}
		prev = d
	}
}
