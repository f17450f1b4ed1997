package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the contract side an order trades. This worker only trades YES.
type Side uint8

const (
	Yes Side = iota + 1
	No
)

func (s Side) String() string {
	switch s {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "unknown"
	}
}

// Action is the order direction sent to the venue.
type Action uint8

const (
	Buy Action = iota + 1
	Sell
)

func (a Action) String() string {
	switch a {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Status tracks the outcome of one order attempt.
type Status uint8

const (
	StatusFilled Status = iota + 1
	StatusRejected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusFilled:
		return "filled"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OrderRequest is the venue order payload. Prices are integer cents.
type OrderRequest struct {
	Ticker        string `json:"ticker"`
	Action        string `json:"action"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Count         int    `json:"count"`
	YesPrice      int    `json:"yes_price"`
	ClientOrderID string `json:"client_order_id"`
}

// OrderAck is the venue's acknowledgement of an accepted order.
type OrderAck struct {
	OrderID string
	Status  string
	// FillPriceCents is the reported average fill price, or 0 if the venue
	// did not report one.
	FillPriceCents int
	FilledCount    int
	Raw            []byte
}

// OrderResult is the outcome of Broker.Execute. Exactly one of OK or Err is
// meaningful; failures never surface as panics or returned errors.
type OrderResult struct {
	OK        bool
	Status    Status
	OrderID   string
	Err       error
	Request   OrderRequest
	Price     decimal.Decimal
	Contracts int
	Notional  decimal.Decimal
	Simulated bool
	Time      time.Time
	Raw       []byte
}

// Error returns the failure reason, or "" on success.
func (r OrderResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Position is the bookkeeping for one instrument. Contracts is never
// negative; an instrument whose count reaches zero is removed.
type Position struct {
	Instrument       string
	Contracts        int
	DollarsCommitted decimal.Decimal
	OpenedAt         time.Time
}

// AvgPrice is DollarsCommitted / Contracts.
func (p Position) AvgPrice() decimal.Decimal {
	if p.Contracts == 0 {
		return decimal.Zero
	}
	return p.DollarsCommitted.Div(decimal.NewFromInt(int64(p.Contracts)))
}
