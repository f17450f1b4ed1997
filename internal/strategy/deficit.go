package strategy

import (
	"github.com/caesar-terminal/courtside/internal/merger"
)

type deficits struct {
	home float64
	away float64
}

// DeficitRecovery buys a side that was down big earlier, has come back to
// within a few points, and is still priced as an underdog.
type DeficitRecovery struct {
	name              string
	stake             float64
	minInitialDeficit float64
	maxCurrentDeficit float64
	maxPrice          float64
	minPrice          float64

	// worst deficit seen per game, keyed by game id
	games map[string]*deficits
}

func newDeficitRecovery(name string, p Params) (Strategy, error) {
	r := &paramReader{name: name, p: p}
	s := &DeficitRecovery{
		name:              name,
		stake:             r.float("stake", 25),
		minInitialDeficit: r.float("min_initial_deficit", 8),
		maxCurrentDeficit: r.float("max_current_deficit", 4),
		maxPrice:          r.float("max_price", 0.25),
		minPrice:          r.float("min_price", 0.01),
		games:             make(map[string]*deficits),
	}
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

func (s *DeficitRecovery) Name() string { return s.name }

func (s *DeficitRecovery) OnState(st merger.State, view PortfolioView) ([]Intent, error) {
	g := st.Game
	if g == nil {
		return nil, nil
	}
	gameID := st.GameID
	if gameID == "" {
		gameID = g.GameID
	}
	mem, ok := s.games[gameID]
	if !ok {
		mem = &deficits{}
		s.games[gameID] = mem
	}

	homeDeficit := float64(g.AwayScore - g.HomeScore)
	awayDeficit := -homeDeficit
	mem.home = max(mem.home, homeDeficit)
	mem.away = max(mem.away, awayDeficit)

	var intents []Intent
	for _, id := range st.SortedInstruments() {
		snap := st.Instruments[id]

		var current, worst float64
		switch snap.Side {
		case merger.SideHome:
			current, worst = homeDeficit, mem.home
		case merger.SideAway:
			current, worst = awayDeficit, mem.away
		default:
			continue
		}

		if current < 0 || current > s.maxCurrentDeficit {
			continue
		}
		if worst < s.minInitialDeficit {
			continue
		}
		px, ok := snap.OpenPrice()
		if !ok || px <= s.minPrice || px > s.maxPrice {
			continue
		}
		if view.Holds(id) {
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
