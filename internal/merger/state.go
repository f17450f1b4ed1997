package merger

import (
	"fmt"
	"sort"
	"time"

	"github.com/caesar-terminal/courtside/internal/scoreboard"
)

// Side classifies an instrument relative to the two competitors.
type Side uint8

const (
	SideUnknown Side = iota
	SideHome
	SideAway
)

func (s Side) String() string {
	switch s {
	case SideHome:
		return "home"
	case SideAway:
		return "away"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "home":
		*s = SideHome
	case "away":
		*s = SideAway
	case "unknown", "":
		*s = SideUnknown
	default:
		return fmt.Errorf("merger: unknown side %q", b)
	}
	return nil
}

// Trigger is what caused a State to be emitted.
type Trigger uint8

const (
	TriggerTick Trigger = iota + 1
	TriggerGame
	TriggerHeartbeat
)

func (t Trigger) String() string {
	switch t {
	case TriggerTick:
		return "tick"
	case TriggerGame:
		return "game"
	case TriggerHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Trigger) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Trigger) UnmarshalText(b []byte) error {
	switch string(b) {
	case "tick":
		*t = TriggerTick
	case "game":
		*t = TriggerGame
	case "heartbeat":
		*t = TriggerHeartbeat
	default:
		return fmt.Errorf("merger: unknown trigger %q", b)
	}
	return nil
}

// InstrumentSnapshot is the latest known value of every field for one
// instrument. Nil means the field has never been reported.
type InstrumentSnapshot struct {
	Instrument   string    `json:"instrument"`
	Side         Side      `json:"side"`
	Price        *float64  `json:"price,omitempty"`
	Bid          *float64  `json:"bid,omitempty"`
	Ask          *float64  `json:"ask,omitempty"`
	Volume       *float64  `json:"volume,omitempty"`
	OpenInterest *float64  `json:"open_interest,omitempty"`
	Status       *string   `json:"status,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// State is one merged view handed to strategies. The Instruments map is a
// private copy; Game is shared and must be treated as read-only.
type State struct {
	Time        time.Time                     `json:"ts"`
	EventID     string                        `json:"event_id"`
	GameID      string                        `json:"game_id"`
	ScoreDiff   int                           `json:"score_diff"`
	Game        *scoreboard.GameState         `json:"game"`
	Instruments map[string]InstrumentSnapshot `json:"instruments"`
	Trigger     Trigger                       `json:"trigger"`
}

// Instrument returns the snapshot for id.
func (s State) Instrument(id string) (InstrumentSnapshot, bool) {
	snap, ok := s.Instruments[id]
	return snap, ok
}

// SortedInstruments returns the instrument ids in lexical order, for
// deterministic iteration.
func (s State) SortedInstruments() []string {
	ids := make([]string, 0, len(s.Instruments))
	for id := range s.Instruments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OpenPrice is what a buyer pays: ask, then last trade, then bid. Non-positive
// quotes are skipped.
func (s InstrumentSnapshot) OpenPrice() (float64, bool) {
	return firstPositive(s.Ask, s.Price, s.Bid)
}

// ClosePrice is what a seller receives: bid, then last trade.
func (s InstrumentSnapshot) ClosePrice() (float64, bool) {
	return firstPositive(s.Bid, s.Price)
}

func firstPositive(vals ...*float64) (float64, bool) {
	for _, v := range vals {
		if v != nil && *v > 0 {
			return *v, true
		}
	}
	return 0, false
}
