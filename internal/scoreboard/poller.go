package scoreboard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/logging"
)

// PollerConfig tunes a Poller.
type PollerConfig struct {
	GameID       string
	Interval     time.Duration
	FetchTimeout time.Duration
	// StopOnFinal ends the poll after the first final snapshot is delivered.
	StopOnFinal bool
}

// Poller fetches snapshots for one game on a fixed interval.
type Poller struct {
	cfg     PollerConfig
	fetcher Fetcher
	logger  *zap.Logger
}

// NewPoller creates a Poller.
func NewPoller(cfg PollerConfig, fetcher Fetcher, logger *zap.Logger) *Poller {
	logger = logging.OrNop(logger)
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = cfg.Interval
	}
	return &Poller{cfg: cfg, fetcher: fetcher, logger: logger.Named("scoreboard")}
}

// Run delivers snapshots into out until ctx is cancelled or, with
// StopOnFinal, a final snapshot has been delivered (returns nil). Fetch
// failures and empty results skip the interval.
func (p *Poller) Run(ctx context.Context, out chan<- *GameState) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		snap, err := p.fetch(ctx)
		switch {
		case err != nil:
			failures++
			if failures == 1 || failures%30 == 0 {
				p.logger.Warn("fetch failed, skipping interval",
					zap.String("game_id", p.cfg.GameID), zap.Int("consecutive", failures), zap.Error(err))
			}
		case snap == nil:
		case snap.GameID != "" && snap.GameID != p.cfg.GameID:
			p.logger.Warn("ignoring snapshot for another game",
				zap.String("want", p.cfg.GameID), zap.String("got", snap.GameID))
		default:
			failures = 0
			select {
			case out <- snap:
			case <-ctx.Done():
				return ctx.Err()
			}
			if p.cfg.StopOnFinal && snap.IsFinal() {
				p.logger.Info("game final, stopping poll",
					zap.String("game_id", p.cfg.GameID),
					zap.Int("home_score", snap.HomeScore), zap.Int("away_score", snap.AwayScore))
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) fetch(ctx context.Context) (*GameState, error) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	return p.fetcher.Fetch(fctx, p.cfg.GameID)
}
