package adapter

import (
	"context"
	"sync"
	"time"
)

// CircuitBreakerConfig holds tunable parameters for the CircuitBreaker.
type CircuitBreakerConfig struct {
	// StaleThreshold is the maximum age of the last tick before an
	// instrument is considered stale. Zero disables the staleness check;
	// sports tickers can be quiet for minutes during stoppages.
	StaleThreshold time.Duration

	// CoolOff is the time after a recovery (first tick, or first tick after
	// a reconnect) during which trading stays blocked.
	CoolOff time.Duration

	// PollInterval is how frequently the breaker checks connection and
	// staleness state.
	PollInterval time.Duration
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		StaleThreshold: 0,
		CoolOff:        2 * time.Second,
		PollInterval:   250 * time.Millisecond,
	}
}

// ConnectionHealth is satisfied by *WSClient.
type ConnectionHealth interface {
	Circuit() CircuitState
}

// instrumentState tracks health for a single instrument.
type instrumentState struct {
	LastUpdate time.Time
	// RecoveredAt is set when an instrument transitions unhealthy→healthy.
	// Trading is blocked until CoolOff has elapsed since then.
	RecoveredAt time.Time
	Healthy     bool
}

// CircuitBreaker gates live order submission behind CanTrade. It enforces:
//   - connection health via the stream's Circuit()
//   - tick staleness per instrument (optional)
//   - a cool-off period after recovery
//   - a manual emergency halt
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	connMu sync.RWMutex
	conn   ConnectionHealth

	mu          sync.RWMutex
	instruments map[string]*instrumentState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a CircuitBreaker with no watched connection.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:         cfg,
		instruments: make(map[string]*instrumentState),
		nowFunc:     time.Now,
	}
}

// WatchConnection registers the stream whose circuit gates trading.
func (cb *CircuitBreaker) WatchConnection(conn ConnectionHealth) {
	cb.connMu.Lock()
	cb.conn = conn
	cb.connMu.Unlock()
}

// ManualHalt blocks all trading until Resume is called.
func (cb *CircuitBreaker) ManualHalt() {
	cb.haltMu.Lock()
	cb.halted = true
	cb.haltMu.Unlock()
}

// Resume clears the manual halt. Instruments still need to pass staleness and
// cool-off checks before CanTrade returns true.
func (cb *CircuitBreaker) Resume() {
	cb.haltMu.Lock()
	cb.halted = false
	cb.haltMu.Unlock()
}

// CanTrade returns true only if ALL of the following hold:
//  1. No manual halt is active.
//  2. The watched connection circuit is Closed.
//  3. A tick for this instrument has been seen and is not stale.
//  4. The cool-off period has elapsed since recovery.
func (cb *CircuitBreaker) CanTrade(instrument string) bool {
	cb.haltMu.RLock()
	halted := cb.halted
	cb.haltMu.RUnlock()
	if halted {
		return false
	}

	if !cb.connectionHealthy() {
		return false
	}

	now := cb.nowFunc()

	cb.mu.RLock()
	st, exists := cb.instruments[instrument]
	var s instrumentState
	if exists {
		s = *st
	}
	cb.mu.RUnlock()

	if !exists || !s.Healthy {
		return false
	}
	if cb.cfg.StaleThreshold > 0 && now.Sub(s.LastUpdate) > cb.cfg.StaleThreshold {
		return false
	}
	if !s.RecoveredAt.IsZero() && now.Sub(s.RecoveredAt) < cb.cfg.CoolOff {
		return false
	}
	return true
}

func (cb *CircuitBreaker) connectionHealthy() bool {
	cb.connMu.RLock()
	conn := cb.conn
	cb.connMu.RUnlock()
	return conn == nil || conn.Circuit() == CircuitClosed
}

// Observe wraps src so every tick it produces is recorded before being
// forwarded to the caller's channel.
func (cb *CircuitBreaker) Observe(src TickSource) TickSource {
	return func(ctx context.Context, out chan<- MarketTick) error {
		inner := make(chan MarketTick, 64)
		errc := make(chan error, 1)
		go func() {
			errc <- src(ctx, inner)
			close(inner)
		}()

		for tick := range inner {
			cb.Record(tick)
			select {
			case out <- tick:
			case <-ctx.Done():
			}
		}
		return <-errc
	}
}

// Record marks an instrument healthy as of now.
func (cb *CircuitBreaker) Record(tick MarketTick) {
	now := cb.nowFunc()

	cb.mu.Lock()
	st, exists := cb.instruments[tick.Instrument]
	if !exists {
		st = &instrumentState{}
		cb.instruments[tick.Instrument] = st
	}
	if !st.Healthy {
		st.RecoveredAt = now
	}
	st.Healthy = true
	st.LastUpdate = now
	cb.mu.Unlock()
}

// Run polls connection and staleness state until ctx is cancelled. While the
// connection is down every instrument is marked unhealthy so the next tick
// after a reconnect restarts the cool-off.
func (cb *CircuitBreaker) Run(ctx context.Context) {
	interval := cb.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultCircuitBreakerConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cb.poll()
		}
	}
}

func (cb *CircuitBreaker) poll() {
	connUp := cb.connectionHealthy()
	now := cb.nowFunc()

	cb.mu.Lock()
	for _, st := range cb.instruments {
		if !connUp {
			st.Healthy = false
			continue
		}
		if cb.cfg.StaleThreshold > 0 && now.Sub(st.LastUpdate) > cb.cfg.StaleThreshold {
			st.Healthy = false
		}
	}
	cb.mu.Unlock()
}
