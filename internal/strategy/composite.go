package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/config"
	"github.com/caesar-terminal/courtside/internal/logging"
	"github.com/caesar-terminal/courtside/internal/merger"
	"github.com/caesar-terminal/courtside/internal/metrics"
)

// ErrUnknownStrategy is returned by Build for a name with no constructor.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// Constructor builds a strategy from its config block.
type Constructor func(name string, p Params, logger *zap.Logger) (Strategy, error)

var registry = map[string]Constructor{
	"late_game_underdog": func(name string, p Params, _ *zap.Logger) (Strategy, error) {
		return newLateGameUnderdog(name, p)
	},
	"deficit_recovery": func(name string, p Params, _ *zap.Logger) (Strategy, error) {
		return newDeficitRecovery(name, p)
	},
	"volatile_underdog_exit": func(name string, p Params, _ *zap.Logger) (Strategy, error) {
		return newVolatileUnderdogExit(name, p)
	},
	"price_logger": func(name string, _ Params, logger *zap.Logger) (Strategy, error) {
		return &PriceLogger{name: name, logger: logger}, nil
	},
}

// Names lists the registered strategy names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New constructs one registered strategy.
func New(name string, p Params, logger *zap.Logger) (Strategy, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownStrategy, name, strings.Join(Names(), ", "))
	}
	logger = logging.OrNop(logger)
	return ctor(name, p, logger.Named(name))
}

// Composite runs a fixed set of strategies against each State.
type Composite struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewComposite wraps strategies, evaluated and reported in the given order.
func NewComposite(strategies []Strategy, logger *zap.Logger) *Composite {
	logger = logging.OrNop(logger)
	return &Composite{strategies: strategies, logger: logger.Named("strategy")}
}

// Build resolves every enabled config entry. Unknown names fail the whole
// build.
func Build(cfgs []config.StrategyConfig, logger *zap.Logger) (*Composite, error) {
	logger = logging.OrNop(logger)
	var out []Strategy
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		s, err := New(c.Name, Params(c.Params), logger)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return NewComposite(out, logger), nil
}

// Len is the number of strategies.
func (c *Composite) Len() int { return len(c.strategies) }

// Evaluate runs every strategy concurrently on st and concatenates their
// intents in strategy order. A strategy that errors or panics contributes
// nothing for this State and is logged.
func (c *Composite) Evaluate(ctx context.Context, st merger.State, view PortfolioView) []Intent {
	if len(c.strategies) == 0 {
		return nil
	}
	results := make([][]Intent, len(c.strategies))

	p := pool.New().WithMaxGoroutines(len(c.strategies))
	for i, s := range c.strategies {
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.StrategyErrorsTotal.WithLabelValues(s.Name()).Inc()
					c.logger.Error("strategy panicked",
						zap.String("strategy", s.Name()), zap.Time("state_ts", st.Time), zap.Any("panic", r))
				}
			}()
			if ctx.Err() != nil {
				return
			}
			intents, err := s.OnState(st, view)
			if err != nil {
				metrics.StrategyErrorsTotal.WithLabelValues(s.Name()).Inc()
				c.logger.Warn("strategy failed",
					zap.String("strategy", s.Name()), zap.Time("state_ts", st.Time), zap.Error(err))
				return
			}
			results[i] = intents
		})
	}
	p.Wait()

	var all []Intent
	for i, intents := range results {
		for _, in := range intents {
			if in.Origin == "" {
				in.Origin = c.strategies[i].Name()
			}
			all = append(all, in)
		}
	}
	return all
}
