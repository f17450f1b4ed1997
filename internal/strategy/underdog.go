package strategy

import (
	"github.com/caesar-terminal/courtside/internal/merger"
)

// LateGameUnderdog buys the cheapest instrument once per instrument when the
// game is close in the final minutes.
type LateGameUnderdog struct {
	name     string
	maxPrice float64
	stake    float64
	window   lateGameWindow
}

func newLateGameUnderdog(name string, p Params) (Strategy, error) {
	r := &paramReader{name: name, p: p}
	s := &LateGameUnderdog{
		name:     name,
		maxPrice: r.float("max_price", 0.15),
		stake:    r.float("stake", 25),
		window:   readWindow(r),
	}
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

func (s *LateGameUnderdog) Name() string { return s.name }

func (s *LateGameUnderdog) OnState(st merger.State, view PortfolioView) ([]Intent, error) {
	if !s.window.contains(st) {
		return nil, nil
	}

	var (
		underdog string
		best     float64
	)
	for _, id := range st.SortedInstruments() {
		px, ok := st.Instruments[id].OpenPrice()
		if !ok {
			continue
		}
		if underdog == "" || px < best {
			underdog, best = id, px
		}
	}
	if underdog == "" {
		return nil, nil
	}
	if best <= 0.01 || best >= s.maxPrice || view.Holds(underdog) {
		return nil, nil
	}
	return []Intent{{
		Origin:     s.name,
		Instrument: underdog,
		Action:     ActionOpen,
		Size:       s.stake,
	}}, nil
}

// VolatileUnderdogExit buys every cheap instrument late in a close game and
// sells once the bid has gained a target over the entry price.
type VolatileUnderdogExit struct {
	name      string
	maxPrice  float64
	stake     float64
	window    lateGameWindow
	targetPct float64
	// targetAbs is an absolute price gain that also triggers the exit. Zero
	// disables it.
	targetAbs float64
}

func newVolatileUnderdogExit(name string, p Params) (Strategy, error) {
	r := &paramReader{name: name, p: p}
	s := &VolatileUnderdogExit{
		name:      name,
		maxPrice:  r.float("max_price", 0.18),
		stake:     r.float("stake", 100),
		window:    readWindow(r),
		targetPct: r.float("profit_target_pct", 0.10),
		targetAbs: r.float("profit_target_abs", 0),
	}
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

func (s *VolatileUnderdogExit) Name() string { return s.name }

func (s *VolatileUnderdogExit) OnState(st merger.State, view PortfolioView) ([]Intent, error) {
	var intents []Intent

	for _, id := range st.SortedInstruments() {
		pos, held := view.Positions[id]
		if !held || pos.Contracts <= 0 || pos.AvgPrice <= 0 {
			continue
		}
		snap := st.Instruments[id]
		if snap.Bid == nil {
			continue
		}
		bid := *snap.Bid
		gain := bid - pos.AvgPrice
		hit := gain/pos.AvgPrice >= s.targetPct
		if s.targetAbs > 0 && gain >= s.targetAbs {
			hit = true
		}
		if hit {
			// No Size: the broker sells everything held.
			intents = append(intents, Intent{
				Origin:     s.name,
				Instrument: id,
				Action:     ActionClose,
			})
		}
	}

	if !s.window.contains(st) {
		return intents, nil
	}
	for _, id := range st.SortedInstruments() {
		px, ok := st.Instruments[id].OpenPrice()
		if !ok || px <= 0.01 || px > s.maxPrice {
			continue
		}
		if _, held := view.Positions[id]; held {
			continue
		}
		intents = append(intents, Intent{
			Origin:     s.name,
			Instrument: id,
			Action:     ActionOpen,
			Size:       s.stake,
		})
	}
	return intents, nil
}
