package gateway

import (
	"strings"
	"sync"
	"time"
)

// breakerState tracks consecutive failures for a single adapter.
//
// It implements a consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breakerStore struct {
	mu sync.Mutex
	m  map[string]*breakerState
}

func (s *breakerStore) get(adapter string) *breakerState {
	if s == nil {
		return nil
	}
	k := strings.TrimSpace(adapter)
	if k == "" {
		return nil
	}

	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[string]*breakerState)
	}
	st := s.m[k]
	if st == nil {
		st = &breakerState{}
		s.m[k] = st
	}
	s.mu.Unlock()
	return st
}

// breakerCfg holds effective settings after applying defaults.
type breakerCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveBreakerCfg(cfg BreakerConfig) breakerCfg {
	trip := cfg.TripFailures
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return breakerCfg{enabled: false}
	}

	base := cfg.BaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxD := cfg.MaxDelay
	if maxD <= 0 {
		maxD = 2 * time.Minute
	}
	reset := cfg.ResetAfter
	if reset <= 0 {
		reset = 5 * time.Minute
	}

	return breakerCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

func (g *Gateway) breakerIsOpen(now time.Time, adapter string) (bool, time.Time) {
	cc := effectiveBreakerCfg(g.cfg.Breaker)
	if !cc.enabled {
		return false, time.Time{}
	}
	st := g.breakers.get(adapter)
	if st == nil {
		return false, time.Time{}
	}

	g.breakers.mu.Lock()
	defer g.breakers.mu.Unlock()

	// Opportunistic reset if last failure was long ago.
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// breakerRecordResult feeds the final call outcome (after retries)
// into the breaker. Permanent errors do not count against the
// adapter: the dependency answered, the request was just bad.
func (g *Gateway) breakerRecordResult(now time.Time, adapter string, err error) {
	cc := effectiveBreakerCfg(g.cfg.Breaker)
	if !cc.enabled {
		return
	}
	st := g.breakers.get(adapter)
	if st == nil {
		return
	}

	g.breakers.mu.Lock()
	defer g.breakers.mu.Unlock()

	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}

	if err == nil || IsPermanent(err) {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now

	if st.fails < cc.trip {
		return
	}

	// Exponential cooldown after tripping.
	pow := st.fails - cc.trip
	d := cc.baseDelay
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= cc.maxDelay {
			d = cc.maxDelay
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

// BreakerSnapshot is a diagnostics view for the status surface.
type BreakerSnapshot struct {
	Adapter   string    `json:"adapter"`
	Failures  int       `json:"failures"`
	Open      bool      `json:"open"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

// Snapshot reports the state of every breaker the gateway has seen.
func (g *Gateway) Snapshot(now time.Time) []BreakerSnapshot {
	g.breakers.mu.Lock()
	defer g.breakers.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(g.breakers.m))
	for name, st := range g.breakers.m {
		if st == nil {
			continue
		}
		snap := BreakerSnapshot{Adapter: name, Failures: st.fails}
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			snap.Open = true
			snap.OpenUntil = st.openUntil
		}
		out = append(out, snap)
	}
	return out
}
