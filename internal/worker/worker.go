// Package worker drives one event from pregame through settlement: it waits
// for tip-off, feeds merged States through the strategies and broker, and
// guarantees the state log is flushed however the run ends.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/audit"
	"github.com/caesar-terminal/courtside/internal/engine"
	"github.com/caesar-terminal/courtside/internal/logging"
	"github.com/caesar-terminal/courtside/internal/merger"
	"github.com/caesar-terminal/courtside/internal/metrics"
	"github.com/caesar-terminal/courtside/internal/strategy"
)

// Phase is the worker lifecycle stage.
type Phase int32

const (
	Waiting Phase = iota
	Active
	Terminal
	Crashed
)

func (p Phase) String() string {
	switch p {
	case Waiting:
		return "waiting"
	case Active:
		return "active"
	case Terminal:
		return "terminal"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// settledStatuses are the market statuses after which no further trading or
// price movement is possible.
var settledStatuses = map[string]bool{
	"settled":    true,
	"closed":     true,
	"finalized":  true,
	"determined": true,
}

// StateSource writes merged States to out and closes it when done.
// merger.Merger.Run bound to its sources satisfies it.
type StateSource func(ctx context.Context, out chan<- merger.State) error

// StateLog persists every State.
type StateLog interface {
	Append(st merger.State) error
	Count() int
	Close() error
}

// Evaluator turns a State into intents.
type Evaluator interface {
	Evaluate(ctx context.Context, st merger.State, view strategy.PortfolioView) []strategy.Intent
}

// Executor runs intents and exposes the resulting portfolio.
type Executor interface {
	Execute(ctx context.Context, intent strategy.Intent, st merger.State) engine.OrderResult
	PortfolioView() strategy.PortfolioView
}

// StatusChecker reports a market's lifecycle status. Satisfied by
// kalshi.Client.
type StatusChecker interface {
	MarketStatus(ctx context.Context, ticker string) (string, error)
}

// Config describes the event and lifecycle timings.
type Config struct {
	EventID     string
	GameID      string
	Instruments []string
	// StartTime is the scheduled tip-off. Zero means unknown.
	StartTime          time.Time
	PregameLead        time.Duration
	SettlementInterval time.Duration
	SettlementTimeout  time.Duration
	ProgressEvery      int
}

// Deps are the collaborators a Worker drives. Status and Publish are
// optional.
type Deps struct {
	States   StateSource
	Log      StateLog
	Strategy Evaluator
	Broker   Executor
	Audit    audit.Recorder
	Status   StatusChecker
	Publish  func(merger.State)
}

// Worker runs a single event.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	phase  atomic.Int32

	tracked map[string]struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates deps and returns a Worker in the Waiting phase. The Worker
// owns deps.Log from here on: Run closes it, and New closes it when
// validation fails.
func New(cfg Config, deps Deps, logger *zap.Logger) (_ *Worker, err error) {
	defer func() {
		if err != nil && deps.Log != nil {
			_ = deps.Log.Close()
		}
	}()

	switch {
	case deps.States == nil:
		return nil, errors.New("worker: state source required")
	case deps.Log == nil:
		return nil, errors.New("worker: state log required")
	case deps.Strategy == nil:
		return nil, errors.New("worker: strategy required")
	case deps.Broker == nil:
		return nil, errors.New("worker: broker required")
	case deps.Audit == nil:
		return nil, errors.New("worker: audit recorder required")
	}
	logger = logging.OrNop(logger)
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 10 * time.Second
	}
	w := &Worker{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("worker").With(zap.String("event", cfg.EventID), zap.String("game", cfg.GameID)),
		tracked: make(map[string]struct{}, len(cfg.Instruments)),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, id := range cfg.Instruments {
		w.tracked[id] = struct{}{}
	}
	w.setPhase(Waiting)
	return w, nil
}

// Phase returns the current lifecycle stage.
func (w *Worker) Phase() Phase { return Phase(w.phase.Load()) }

func (w *Worker) setPhase(p Phase) {
	w.phase.Store(int32(p))
	metrics.Phase.Set(float64(p))
}

// Run blocks until the event settles, the state source is exhausted, or ctx
// is cancelled. Cancellation is a clean stop. The state log is closed on
// every path, and a failure to flush it is returned.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.setPhase(Crashed)
			w.logger.Error("worker crashed", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("worker: panic: %v", r)
		}
		if cerr := w.deps.Log.Close(); cerr != nil && !errors.Is(err, cerr) {
			w.logger.Error("state log flush failed", zap.Error(cerr))
			err = errors.Join(err, cerr)
		}
		if err != nil && w.Phase() != Crashed {
			w.setPhase(Crashed)
		}
		w.logger.Info("worker finished",
			zap.Stringer("phase", w.Phase()),
			zap.Int("states", w.deps.Log.Count()))
	}()

	if err := w.wait(ctx); err != nil {
		w.logger.Info("stopped before start", zap.Error(err))
		w.setPhase(Terminal)
		return nil
	}

	w.setPhase(Active)
	w.logger.Info("worker active", zap.Strings("instruments", w.cfg.Instruments))
	if err := w.active(ctx); err != nil {
		return err
	}
	w.setPhase(Terminal)
	return nil
}

// wait sleeps until PregameLead before StartTime.
func (w *Worker) wait(ctx context.Context) error {
	if w.cfg.StartTime.IsZero() {
		w.logger.Warn("start time unknown, starting immediately")
		return nil
	}
	start := w.cfg.StartTime.Add(-w.cfg.PregameLead)
	d := start.Sub(w.now())
	if d <= 0 {
		return nil
	}
	w.logger.Info("sleeping until pregame",
		zap.Time("tipoff", w.cfg.StartTime),
		zap.Duration("sleep", d))
	if err := w.sleep(ctx, d); err != nil {
		return err
	}
	w.logger.Info("waking up")
	return nil
}

func (w *Worker) active(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	states := make(chan merger.State, 64)
	srcErr := make(chan error, 1)
	go func() { srcErr <- w.deps.States(ctx, states) }()

	// Drain the source so it can exit before we return.
	defer func() {
		cancel()
		for range states {
		}
		if err := <-srcErr; err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("state source stopped", zap.Error(err))
		}
	}()

	var settle <-chan time.Time
	if w.deps.Status != nil && w.cfg.SettlementInterval > 0 {
		t := time.NewTicker(w.cfg.SettlementInterval)
		defer t.Stop()
		settle = t.C
	}

	var count int
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("context cancelled, stopping")
			return nil

		case st, ok := <-states:
			if !ok {
				w.logger.Info("state source exhausted")
				return nil
			}
			count++
			if err := w.handle(ctx, st); err != nil {
				return err
			}
			if w.cfg.ProgressEvery > 0 && count%w.cfg.ProgressEvery == 0 {
				w.progress(count, st)
			}

		case <-settle:
			if w.settled(ctx) {
				w.logger.Info("all markets settled")
				return nil
			}
		}
	}
}

// handle persists st, then runs strategies and the broker against it.
// Only a state log failure is fatal.
func (w *Worker) handle(ctx context.Context, st merger.State) error {
	if err := w.deps.Log.Append(st); err != nil {
		return err
	}
	for id := range st.Instruments {
		w.tracked[id] = struct{}{}
	}
	if w.deps.Publish != nil {
		w.deps.Publish(st)
	}

	view := w.deps.Broker.PortfolioView()
	for _, intent := range w.deps.Strategy.Evaluate(ctx, st, view) {
		res := w.deps.Broker.Execute(ctx, intent, st)
		if err := w.deps.Audit.Record(ctx, audit.NewEntry(w.cfg.GameID, intent, res)); err != nil {
			w.logger.Error("audit record failed", zap.Error(err))
		}
		if res.OK {
			w.logger.Info("order filled",
				zap.String("strategy", intent.Origin),
				zap.String("instrument", intent.Instrument),
				zap.Stringer("action", intent.Action),
				zap.Int("contracts", res.Contracts),
				zap.Stringer("price", res.Price))
		} else {
			w.logger.Warn("order failed",
				zap.String("strategy", intent.Origin),
				zap.String("instrument", intent.Instrument),
				zap.Stringer("status", res.Status),
				zap.Error(res.Err))
		}
	}
	return nil
}

func (w *Worker) progress(count int, st merger.State) {
	w.logger.Info("progress", progressFields(count, st)...)
}

func progressFields(count int, st merger.State) []zap.Field {
	fields := []zap.Field{zap.Int("states", count)}
	g := st.Game
	if g == nil {
		return fields
	}
	fields = append(fields,
		zap.String("score", fmt.Sprintf("%s %d - %s %d", g.AwayID, g.AwayScore, g.HomeID, g.HomeScore)),
		zap.Int("period", g.Period))
	// football feeds carry a possession
	if g.Possession != "" {
		fields = append(fields,
			zap.String("possession", g.Possession),
			zap.Bool("red_zone", g.InRedZone()))
	}
	return fields
}

// settled reports whether every tracked market is in a terminal status.
// Any lookup failure counts as not settled.
func (w *Worker) settled(ctx context.Context) bool {
	ids := make([]string, 0, len(w.tracked))
	for id := range w.tracked {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return false
	}
	sort.Strings(ids)

	for _, id := range ids {
		cctx, cancel := context.WithTimeout(ctx, w.cfg.SettlementTimeout)
		status, err := w.deps.Status.MarketStatus(cctx, id)
		cancel()
		if err != nil {
			metrics.SettlementChecksTotal.WithLabelValues("error").Inc()
			w.logger.Warn("settlement check failed", zap.String("instrument", id), zap.Error(err))
			return false
		}
		if !settledStatuses[strings.ToLower(status)] {
			metrics.SettlementChecksTotal.WithLabelValues("open").Inc()
			return false
		}
	}
	metrics.SettlementChecksTotal.WithLabelValues("settled").Inc()
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
