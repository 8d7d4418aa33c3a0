// Package gateway is the single path for calls to the remote
// collaborators (record store, messaging channel). It owns the
// timeout, retry/backoff and circuit-breaker policy so the rest of
// the daemon deals only in classified outcomes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Adapter names used as breaker keys and log fields.
const (
	AdapterRecords   = "records"
	AdapterMessaging = "messaging"
)

type Config struct {
	// Timeout bounds each individual attempt. Default 15s.
	Timeout time.Duration

	// RetryMax is the number of retries after the first attempt.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	Breaker BreakerConfig
}

// BreakerConfig tunes the per-adapter circuit breaker.
// TripFailures < 0 disables it; 0 applies the default of 5.
type BreakerConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// Request describes one remote call.
//
// Idempotent calls may be safely re-issued after a timeout; for
// non-idempotent calls (a message send) a timeout is an unknown
// outcome and is surfaced as ErrUnknownOutcome instead of retried.
type Request struct {
	Adapter    string
	Op         string
	Idempotent bool
	Do         func(ctx context.Context) error
}

type Gateway struct {
	cfg Config
	log zerolog.Logger

	breakers *breakerStore

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, log zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "gateway").Logger(),
		breakers: &breakerStore{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Invoke runs req.Do with the gateway's timeout/retry/breaker policy.
//
// Outcomes:
//   - nil: the call succeeded.
//   - ErrAdapterUnavailable: breaker open, adapter not contacted.
//   - ErrUnknownOutcome: non-idempotent call timed out mid-flight.
//   - a Permanent-classified error: surfaced immediately, no retry.
//   - anything else: transient budget exhausted.
func (g *Gateway) Invoke(ctx context.Context, req Request) error {
	if req.Do == nil {
		return Permanent(errors.New("gateway: nil call"))
	}
	now := time.Now()
	if open, until := g.breakerIsOpen(now, req.Adapter); open {
		g.log.Debug().Str("adapter", req.Adapter).Str("op", req.Op).Time("open_until", until).Msg("call short-circuited")
		return fmt.Errorf("%s %s: %w", req.Adapter, req.Op, ErrAdapterUnavailable)
	}

	var err error
	maxAttempts := 1 + g.cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		err = req.Do(attemptCtx)
		timedOut := attemptCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err == nil {
			break
		}
		if timedOut && !req.Idempotent {
			// The request may already be on the wire; retrying would
			// risk a duplicate side effect.
			err = fmt.Errorf("%s %s: %w: %w", req.Adapter, req.Op, ErrUnknownOutcome, err)
			g.breakerRecordResult(time.Now(), req.Adapter, err)
			return err
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		if IsPermanent(err) {
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := g.backoffDelay(attempt, err)
		g.log.Debug().Str("adapter", req.Adapter).Str("op", req.Op).
			Int("attempt", attempt+1).Dur("delay", delay).Err(err).
			Msg("call retry scheduled")
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				g.breakerRecordResult(time.Now(), req.Adapter, err)
				return ctx.Err()
			case <-tmr.C:
			}
		}
	}

	g.breakerRecordResult(time.Now(), req.Adapter, err)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Adapter, req.Op, err)
	}
	return nil
}

// backoffDelay computes the sleep before the next attempt: an
// explicit retry-after hint if the error carries one, otherwise
// exponential growth from RetryBase, both bounded by RetryMaxDelay
// and jittered to avoid thundering herds.
func (g *Gateway) backoffDelay(attempt int, err error) time.Duration {
	maxD := g.cfg.RetryMaxDelay

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
		if d < 0 {
			d = 0
		}
	} else {
		d = g.cfg.RetryBase
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > maxD {
				break
			}
		}
	}
	if d > maxD {
		d = maxD
	}

	if j := g.cfg.RetryJitter; j > 0 && d > 0 {
		g.rngMu.Lock()
		r := (g.rng.Float64()*2 - 1) * j
		g.rngMu.Unlock()
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > maxD {
			d = maxD
		}
	}
	return d
}
