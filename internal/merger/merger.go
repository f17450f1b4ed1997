// Package merger joins the market tick stream and the scoreboard feed into a
// single ordered sequence of States.
package merger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/adapter"
	"github.com/caesar-terminal/courtside/internal/logging"
	"github.com/caesar-terminal/courtside/internal/metrics"
	"github.com/caesar-terminal/courtside/internal/scoreboard"
)

// GameSource delivers game snapshots into out until ctx is cancelled or the
// feed ends. Returning nil means no more snapshots will arrive. It must not
// close out. (*scoreboard.Poller).Run satisfies it.
type GameSource func(ctx context.Context, out chan<- *scoreboard.GameState) error

// Config identifies the event a Merger tracks.
type Config struct {
	EventID string
	GameID  string
	// Home and Away are the team codes used as instrument suffixes. When
	// empty the ids from the first game snapshot are used.
	Home string
	Away string
	// Instruments seeds the table. Ticks for other instruments are still
	// accepted.
	Instruments       []string
	HeartbeatInterval time.Duration
}

// Merger owns the instrument table and the latest game snapshot. Both are
// only written from the goroutine running Run.
type Merger struct {
	cfg    Config
	logger *zap.Logger

	table    map[string]*InstrumentSnapshot
	resolved map[string]bool
	game     *scoreboard.GameState
	last     time.Time

	nowFunc func() time.Time
}

// New creates a Merger with the seed instruments already in its table.
func New(cfg Config, logger *zap.Logger) *Merger {
	logger = logging.OrNop(logger)
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	m := &Merger{
		cfg:      cfg,
		logger:   logger.Named("merger"),
		table:    make(map[string]*InstrumentSnapshot, len(cfg.Instruments)),
		resolved: make(map[string]bool, len(cfg.Instruments)),
		nowFunc:  time.Now,
	}
	for _, id := range cfg.Instruments {
		m.entry(id)
	}
	return m
}

// Run consumes both sources and writes States to out, which it closes on
// return. It returns nil once both sources are exhausted and ctx.Err() if
// cancelled first. In both cases the source goroutines have exited before
// Run returns.
func (m *Merger) Run(ctx context.Context, ticks adapter.TickSource, games GameSource, out chan<- State) error {
	defer close(out)

	srcCtx, cancel := context.WithCancel(ctx)
	tickCh := make(chan adapter.MarketTick, 256)
	gameCh := make(chan *scoreboard.GameState, 8)

	var wg conc.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Go(func() {
		defer close(tickCh)
		if err := ticks(srcCtx, tickCh); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("tick source stopped", zap.Error(err))
		}
	})
	wg.Go(func() {
		defer close(gameCh)
		if err := games(srcCtx, gameCh); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("game source stopped", zap.Error(err))
		}
	})

	heartbeat := time.NewTimer(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	emit := func(st State) error {
		heartbeat.Reset(m.cfg.HeartbeatInterval)
		metrics.StatesTotal.WithLabelValues(st.Trigger.String()).Inc()
		select {
		case out <- st:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for tickCh != nil || gameCh != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case tick, ok := <-tickCh:
			if !ok {
				tickCh = nil
				m.logger.Info("tick source exhausted")
				continue
			}
			if !m.apply(tick) {
				continue
			}
			ts := tick.Time
			if ts.IsZero() {
				ts = m.nowFunc()
			}
			if st, ok := m.snapshot(ts, TriggerTick); ok {
				if err := emit(st); err != nil {
					return err
				}
			}

		case g, ok := <-gameCh:
			if !ok {
				gameCh = nil
				m.logger.Info("game source exhausted")
				continue
			}
			if !m.setGame(g) {
				continue
			}
			if st, ok := m.snapshot(m.nowFunc(), TriggerGame); ok {
				if err := emit(st); err != nil {
					return err
				}
			}

		case <-heartbeat.C:
			st, ok := m.snapshot(m.nowFunc(), TriggerHeartbeat)
			if !ok {
				heartbeat.Reset(m.cfg.HeartbeatInterval)
				continue
			}
			if err := emit(st); err != nil {
				return err
			}
		}
	}
	return nil
}

// apply patches the instrument named by tick with its non-nil fields.
func (m *Merger) apply(tick adapter.MarketTick) bool {
	if tick.Instrument == "" {
		return false
	}
	s := m.entry(tick.Instrument)
	if tick.Price != nil {
		s.Price = adapter.Float(*tick.Price)
	}
	if tick.Bid != nil {
		s.Bid = adapter.Float(*tick.Bid)
	}
	if tick.Ask != nil {
		s.Ask = adapter.Float(*tick.Ask)
	}
	if tick.Volume != nil {
		s.Volume = adapter.Float(*tick.Volume)
	}
	if tick.OpenInterest != nil {
		s.OpenInterest = adapter.Float(*tick.OpenInterest)
	}
	if tick.Status != nil {
		s.Status = adapter.String(*tick.Status)
	}
	s.UpdatedAt = tick.Time
	return true
}

// setGame replaces the latest snapshot. Snapshots for another game are
// dropped.
func (m *Merger) setGame(g *scoreboard.GameState) bool {
	if g == nil {
		return false
	}
	if m.cfg.GameID != "" && g.GameID != "" && g.GameID != m.cfg.GameID {
		m.logger.Warn("dropping snapshot for another game",
			zap.String("want", m.cfg.GameID), zap.String("got", g.GameID))
		return false
	}
	if m.game == nil {
		m.logger.Info("first game snapshot",
			zap.String("home", g.HomeID), zap.String("away", g.AwayID),
			zap.Int("home_score", g.HomeScore), zap.Int("away_score", g.AwayScore))
	}
	m.game = g
	for id, s := range m.table {
		m.resolveSide(id, s)
	}
	return true
}

// entry returns the table entry for id, creating it on first sight.
func (m *Merger) entry(id string) *InstrumentSnapshot {
	s, ok := m.table[id]
	if !ok {
		s = &InstrumentSnapshot{Instrument: id}
		m.table[id] = s
	}
	m.resolveSide(id, s)
	return s
}

// resolveSide classifies an instrument once team codes are known. The
// result is cached even when it is SideUnknown.
func (m *Merger) resolveSide(id string, s *InstrumentSnapshot) {
	if m.resolved[id] {
		return
	}
	home, away := m.cfg.Home, m.cfg.Away
	if (home == "" || away == "") && m.game != nil {
		home, away = m.game.HomeID, m.game.AwayID
	}
	if home == "" || away == "" {
		return
	}
	s.Side = InferSide(id, home, away)
	m.resolved[id] = true
}

// snapshot assembles a State stamped at ts, clamped to be non-decreasing.
// Heartbeats are always strictly later than the previous State. It reports
// false until a game snapshot has been seen.
func (m *Merger) snapshot(ts time.Time, trigger Trigger) (State, bool) {
	if m.game == nil {
		return State{}, false
	}
	switch {
	case trigger == TriggerHeartbeat && !ts.After(m.last):
		// The venue clock runs ahead of ours. Advance by the silence that
		// fired the heartbeat so clock-driven consumers still move.
		ts = m.last.Add(m.cfg.HeartbeatInterval)
	case ts.Before(m.last):
		ts = m.last
	}
	m.last = ts

	instruments := make(map[string]InstrumentSnapshot, len(m.table))
	for id, s := range m.table {
		instruments[id] = *s
	}
	return State{
		Time:        ts,
		EventID:     m.cfg.EventID,
		GameID:      m.cfg.GameID,
		ScoreDiff:   m.game.ScoreDiff(),
		Game:        m.game,
		Instruments: instruments,
		Trigger:     trigger,
	}, true
}

// InferSide matches the instrument's last "-" segment against the team
// codes, e.g. KXNBAGAME-25OCT21BOSLAL-BOS is the home side when home is BOS.
func InferSide(instrument, home, away string) Side {
	i := strings.LastIndexByte(instrument, '-')
	if i < 0 || i == len(instrument)-1 {
		return SideUnknown
	}
	suffix := strings.ToUpper(instrument[i+1:])
	switch suffix {
	case strings.ToUpper(home):
		return SideHome
	case strings.ToUpper(away):
		return SideAway
	}
	return SideUnknown
}
