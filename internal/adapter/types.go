package adapter

import (
	"context"
	"time"
)

// MarketTick is a partial quote update for one instrument. Nil fields were
// absent from the venue message and must not overwrite known values.
// Prices are in currency units (0.00-1.00).
type MarketTick struct {
	Time         time.Time `json:"ts"`
	Instrument   string    `json:"instrument"`
	Price        *float64  `json:"price,omitempty"`
	Bid          *float64  `json:"bid,omitempty"`
	Ask          *float64  `json:"ask,omitempty"`
	Volume       *float64  `json:"volume,omitempty"`
	OpenInterest *float64  `json:"open_interest,omitempty"`
	Status       *string   `json:"status,omitempty"`
}

// TickSource produces ticks into out until ctx is cancelled or the source is
// exhausted. It must not close out.
type TickSource func(ctx context.Context, out chan<- MarketTick) error

// Float returns a pointer to v. Convenience for building ticks.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
