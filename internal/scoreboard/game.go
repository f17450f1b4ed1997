// Package scoreboard polls live game state for a single game.
package scoreboard

import (
	"context"
	"strings"
	"time"
)

// GameState is one snapshot of a game's scoreboard. It is immutable once
// produced.
type GameState struct {
	GameID    string `json:"game_id"`
	HomeID    string `json:"home"`
	AwayID    string `json:"away"`
	HomeScore int    `json:"home_score"`
	AwayScore int    `json:"away_score"`
	Period    int    `json:"period"`
	// ClockSeconds is the time remaining in the current period.
	ClockSeconds float64 `json:"clock_seconds"`

	// Football situation. Zero values when not applicable.
	Possession string `json:"possession,omitempty"`
	Down       int    `json:"down,omitempty"`
	Distance   int    `json:"distance,omitempty"`
	YardLine   int    `json:"yard_line,omitempty"`
	LastPlay   string `json:"last_play,omitempty"`

	// Status is the provider's human-readable status, e.g. "3rd Quarter" or
	// "Final/OT".
	Status    string    `json:"status"`
	Completed bool      `json:"completed"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ScoreDiff is home minus away.
func (g *GameState) ScoreDiff() int {
	return g.HomeScore - g.AwayScore
}

// MinutesRemaining is the time left in the current period, in minutes.
func (g *GameState) MinutesRemaining() float64 {
	return g.ClockSeconds / 60.0
}

// IsFinal reports whether the game is over.
func (g *GameState) IsFinal() bool {
	return g.Completed || strings.Contains(strings.ToLower(g.Status), "final")
}

// InRedZone reports whether the offense is inside the opponent's 20. The
// yard line is expressed as distance to the opponent goal line.
func (g *GameState) InRedZone() bool {
	return g.Possession != "" && g.YardLine > 0 && g.YardLine <= 20
}

// Fetcher returns the latest snapshot for a game. A nil snapshot with a nil
// error means the provider had nothing for this interval.
type Fetcher interface {
	Fetch(ctx context.Context, gameID string) (*GameState, error)
}
