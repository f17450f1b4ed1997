// Package audit records every order attempt, successful or not.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/caesar-terminal/courtside/internal/engine"
	"github.com/caesar-terminal/courtside/internal/strategy"
)

// Entry is one order attempt.
type Entry struct {
	Time       time.Time       `json:"ts"`
	Mode       string          `json:"mode"`
	GameID     string          `json:"game_id"`
	Strategy   string          `json:"strategy"`
	Instrument string          `json:"instrument"`
	Action     string          `json:"action"`
	PriceCents int             `json:"price_cents"`
	Size       float64         `json:"size"`
	Contracts  int             `json:"contracts"`
	OrderID    string          `json:"order_id,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// NewEntry builds the audit record for intent and its result.
func NewEntry(gameID string, intent strategy.Intent, res engine.OrderResult) Entry {
	mode, status := "LIVE", "FAILED"
	if res.OK {
		status = "FILLED"
	}
	if res.Simulated {
		mode, status = "DRY", "DRY_"+status
	}

	e := Entry{
		Time:       res.Time,
		Mode:       mode,
		GameID:     gameID,
		Strategy:   intent.Origin,
		Instrument: intent.Instrument,
		Action:     intent.Action.String(),
		PriceCents: engine.Cents(res.Price),
		Size:       intent.Size,
		Contracts:  res.Contracts,
		OrderID:    res.OrderID,
		Status:     status,
		Error:      res.Error(),
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if res.Request.Ticker != "" {
		if b, err := json.Marshal(res.Request); err == nil {
			e.Payload = b
		}
	}
	if json.Valid(res.Raw) {
		e.Response = json.RawMessage(res.Raw)
	}
	return e
}

// Recorder persists entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// Multi fans an entry out to every recorder. All recorders are tried; their
// errors are joined.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
