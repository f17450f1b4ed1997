// Package strategy turns merged States into trade intents.
package strategy

import (
	"fmt"
	"math"

	"github.com/spf13/cast"

	"github.com/caesar-terminal/courtside/internal/merger"
)

// Action is what an intent asks the broker to do.
type Action uint8

const (
	ActionOpen Action = iota + 1
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionOpen:
		return "open"
	case ActionClose:
		return "close"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Intent is a strategy's request to trade. Size is in currency, never
// contracts; the broker converts it. Origin names the producing strategy.
type Intent struct {
	Origin     string   `json:"origin"`
	Instrument string   `json:"instrument"`
	Action     Action   `json:"action"`
	Size       float64  `json:"size"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
}

// PositionView is the read-only bookkeeping for one held instrument.
type PositionView struct {
	Contracts        int     `json:"contracts"`
	DollarsCommitted float64 `json:"dollars_committed"`
	AvgPrice         float64 `json:"avg_price"`
}

// PortfolioView is the broker's state as seen by strategies. Cash and
// RealizedPnL are only tracked in dry-run mode.
type PortfolioView struct {
	Simulated   bool                    `json:"simulated"`
	Cash        float64                 `json:"cash"`
	RealizedPnL float64                 `json:"realized_pnl"`
	Positions   map[string]PositionView `json:"positions"`
}

// Holds reports whether a position is open on instrument.
func (v PortfolioView) Holds(instrument string) bool {
	p, ok := v.Positions[instrument]
	return ok && p.Contracts > 0
}

// Strategy reacts to States. Implementations may keep private memory across
// calls; OnState is never called concurrently on the same Strategy.
type Strategy interface {
	Name() string
	OnState(st merger.State, view PortfolioView) ([]Intent, error)
}

// Params is a strategy's raw configuration block.
type Params map[string]any

// paramReader reads typed values from Params and keeps the first error.
type paramReader struct {
	name string
	p    Params
	err  error
}

func (r *paramReader) float(key string, def float64) float64 {
	raw, ok := r.p[key]
	if !ok || r.err != nil {
		return def
	}
	v, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(v) {
		r.err = fmt.Errorf("strategy %s: param %s: %v", r.name, key, raw)
		return def
	}
	return v
}

func (r *paramReader) int(key string, def int) int {
	raw, ok := r.p[key]
	if !ok || r.err != nil {
		return def
	}
	v, err := cast.ToIntE(raw)
	if err != nil {
		r.err = fmt.Errorf("strategy %s: param %s: %v", r.name, key, raw)
		return def
	}
	return v
}

// lateGameWindow is the shared period/clock/score filter.
type lateGameWindow struct {
	minPeriod    int
	minMinutes   float64
	maxMinutes   float64
	maxScoreDiff float64
}

func readWindow(r *paramReader) lateGameWindow {
	return lateGameWindow{
		minPeriod:    r.int("min_quarter", 4),
		minMinutes:   r.float("min_time_remaining", 0.5),
		maxMinutes:   r.float("max_time_remaining", 5.0),
		maxScoreDiff: r.float("max_score_diff", 6.0),
	}
}

// contains reports whether the game is late and close. The score check uses
// the absolute margin.
func (w lateGameWindow) contains(st merger.State) bool {
	g := st.Game
	if g == nil || g.Period < w.minPeriod {
		return false
	}
	left := g.MinutesRemaining()
	if left <= w.minMinutes || left >= w.maxMinutes {
		return false
	}
	return math.Abs(float64(st.ScoreDiff)) <= w.maxScoreDiff
}
