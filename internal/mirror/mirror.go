// Package mirror publishes the latest merged quotes and score to Redis for
// dashboards and other processes.
package mirror

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/logging"
	"github.com/caesar-terminal/courtside/internal/merger"
)

// RedisClient abstracts the Redis operations used by QuoteMirror.
// In production this is satisfied by NewRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// goRedis adapts *redis.Client to RedisClient.
type goRedis struct {
	c *redis.Client
}

func (g goRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

// NewRedisClient connects to addr and checks the connection. The returned
// close func releases it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (RedisClient, func() error, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("mirror: ping %s: %w", addr, err)
	}
	return goRedis{c: c}, c.Close, nil
}

// QuoteMirror writes the merged view of one event into Redis:
//
//	Key:    quote:{event}:{instrument}
//	Fields: bid, ask, last, status, side, ts
//
//	Key:    game:{event}
//	Fields: home, away, home_score, away_score, period, clock, status, ts
//
// States are buffered so the publisher is never blocked, and unchanged
// values are not rewritten.
type QuoteMirror struct {
	client RedisClient
	feed   <-chan merger.State
	buf    chan merger.State
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]string // keyed by Redis key, value is a fingerprint
}

// NewQuoteMirror reads States from feed and writes them to client.
func NewQuoteMirror(client RedisClient, feed <-chan merger.State, logger *zap.Logger) *QuoteMirror {
	logger = logging.OrNop(logger)
	return &QuoteMirror{
		client: client,
		feed:   feed,
		buf:    make(chan merger.State, 256),
		logger: logger.Named("mirror"),
		last:   make(map[string]string),
	}
}

// Run drains the feed into a buffer and flushes it to Redis. It blocks until
// ctx is cancelled or the feed is closed and drained.
func (m *QuoteMirror) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(m.buf)
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-m.feed:
				if !ok {
					return
				}
				select {
				case m.buf <- st:
				default:
					// Buffer full; a newer State will follow.
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-m.buf:
				if !ok {
					return
				}
				m.write(ctx, st)
			}
		}
	}()

	wg.Wait()
}

func (m *QuoteMirror) write(ctx context.Context, st merger.State) {
	ts := strconv.FormatInt(st.Time.UnixMilli(), 10)

	for _, id := range st.SortedInstruments() {
		snap := st.Instruments[id]
		bid, ask, last := fmtPrice(snap.Bid), fmtPrice(snap.Ask), fmtPrice(snap.Price)
		status := ""
		if snap.Status != nil {
			status = *snap.Status
		}
		key := fmt.Sprintf("quote:%s:%s", st.EventID, id)
		if !m.changed(key, bid+"|"+ask+"|"+last+"|"+status) {
			continue
		}
		m.hset(ctx, key, "bid", bid, "ask", ask, "last", last, "status", status,
			"side", snap.Side.String(), "ts", ts)
	}

	if g := st.Game; g != nil {
		score := strconv.Itoa(g.HomeScore)
		away := strconv.Itoa(g.AwayScore)
		period := strconv.Itoa(g.Period)
		clock := strconv.FormatFloat(g.ClockSeconds, 'f', -1, 64)
		key := "game:" + st.EventID
		if m.changed(key, score+"|"+away+"|"+period+"|"+clock+"|"+g.Status) {
			m.hset(ctx, key, "home", g.HomeID, "away", g.AwayID, "home_score", score,
				"away_score", away, "period", period, "clock", clock, "status", g.Status, "ts", ts)
		}
	}
}

func (m *QuoteMirror) changed(key, fingerprint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.last[key]; ok && prev == fingerprint {
		return false
	}
	m.last[key] = fingerprint
	return true
}

func (m *QuoteMirror) hset(ctx context.Context, key string, values ...any) {
	if err := m.client.HSet(ctx, key, values...); err != nil {
		m.logger.Warn("hset failed", zap.String("key", key), zap.Error(err))
		m.mu.Lock()
		delete(m.last, key)
		m.mu.Unlock()
	}
}

// fmtPrice renders an optional price; absent prices are empty strings.
func fmtPrice(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
