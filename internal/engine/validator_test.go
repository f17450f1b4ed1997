package engine

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/courtside/internal/adapter"
	"github.com/caesar-terminal/courtside/internal/merger"
	"github.com/caesar-terminal/courtside/internal/strategy"
)

func testLimits() Limits {
	return Limits{
		MinPrice:      decimal.RequireFromString("0.01"),
		MaxPrice:      decimal.RequireFromString("0.99"),
		MaxContracts:  1000,
		MaxNotional:   decimal.NewFromInt(100),
		BalanceBuffer: decimal.NewFromInt(1),
	}
}

func snapshot(bid, ask, last *float64) merger.InstrumentSnapshot {
	return merger.InstrumentSnapshot{Instrument: "KX-A", Bid: bid, Ask: ask, Price: last}
}

func openIntent(size float64) strategy.Intent {
	return strategy.Intent{Origin: "test", Instrument: "KX-A", Action: strategy.ActionOpen, Size: size}
}

func closeIntent(size float64) strategy.Intent {
	return strategy.Intent{Origin: "test", Instrument: "KX-A", Action: strategy.ActionClose, Size: size}
}

func TestPrepare_OpenSizing(t *testing.T) {
	v := NewValidator(testLimits())

	order, err := v.Prepare(openIntent(25), snapshot(nil, adapter.Float(0.20), nil), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if order.Action != Buy {
		t.Fatalf("expected buy, got %s", order.Action)
	}
	if order.Contracts != 125 {
		t.Fatalf("expected 125 contracts, got %d", order.Contracts)
	}
	if !order.Notional.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected notional 25, got %s", order.Notional)
	}
}

func TestPrepare_UnsupportedAction(t *testing.T) {
	v := NewValidator(testLimits())
	in := openIntent(10)
	in.Action = 0

	_, err := v.Prepare(in, snapshot(nil, adapter.Float(0.5), nil), nil)
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("expected ErrUnsupportedAction, got %v", err)
	}
}

func TestPrepare_NoPrice(t *testing.T) {
	v := NewValidator(testLimits())

	_, err := v.Prepare(openIntent(10), snapshot(nil, nil, nil), nil)
	if !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}

	// A close ignores the ask.
	pos := &Position{Instrument: "KX-A", Contracts: 10, DollarsCommitted: decimal.NewFromInt(2)}
	_, err = v.Prepare(closeIntent(0), snapshot(nil, adapter.Float(0.5), nil), pos)
	if !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice for close, got %v", err)
	}
}

func TestPrepare_PriceOutOfRange(t *testing.T) {
	v := NewValidator(testLimits())

	_, err := v.Prepare(openIntent(10), snapshot(nil, adapter.Float(0.999), nil), nil)
	if !errors.Is(err, ErrPriceOutOfRange) {
		t.Fatalf("expected ErrPriceOutOfRange, got %v", err)
	}
	_, err = v.Prepare(openIntent(10), snapshot(nil, adapter.Float(0.004), nil), nil)
	if !errors.Is(err, ErrPriceOutOfRange) {
		t.Fatalf("expected ErrPriceOutOfRange, got %v", err)
	}
}

func TestPrepare_CloseWithoutPosition(t *testing.T) {
	v := NewValidator(testLimits())

	_, err := v.Prepare(closeIntent(10), snapshot(adapter.Float(0.4), nil, nil), nil)
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestPrepare_CloseCappedToHeld(t *testing.T) {
	v := NewValidator(testLimits())
	pos := &Position{Instrument: "KX-A", Contracts: 40, DollarsCommitted: decimal.NewFromInt(8)}

	order, err := v.Prepare(closeIntent(1000), snapshot(adapter.Float(0.30), nil, nil), pos)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if order.Action != Sell || order.Contracts != 40 {
		t.Fatalf("expected sell 40, got %s %d", order.Action, order.Contracts)
	}

	order, err = v.Prepare(closeIntent(3), snapshot(adapter.Float(0.30), nil, nil), pos)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if order.Contracts != 10 {
		t.Fatalf("expected 10 contracts, got %d", order.Contracts)
	}
}

func TestPrepare_NotionalCap(t *testing.T) {
	l := testLimits()
	l.MaxNotional = decimal.NewFromInt(20)
	v := NewValidator(l)

	_, err := v.Prepare(openIntent(25), snapshot(nil, adapter.Float(0.20), nil), nil)
	if !errors.Is(err, ErrNotionalCap) {
		t.Fatalf("expected ErrNotionalCap, got %v", err)
	}
}

func TestPrepare_ContractCeiling(t *testing.T) {
	l := testLimits()
	l.MaxContracts = 50
	v := NewValidator(l)

	order, err := v.Prepare(openIntent(25), snapshot(nil, adapter.Float(0.20), nil), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if order.Contracts != 50 {
		t.Fatalf("expected 50 contracts, got %d", order.Contracts)
	}
}

func TestPrepare_CloseAllRespectsCeiling(t *testing.T) {
	v := NewValidator(testLimits())
	pos := &Position{Instrument: "KX-A", Contracts: 1500, DollarsCommitted: decimal.NewFromInt(45)}

	order, err := v.Prepare(closeIntent(0), snapshot(adapter.Float(0.05), nil, nil), pos)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if order.Contracts != 1000 {
		t.Fatalf("expected 1000 contracts, got %d", order.Contracts)
	}
}

func TestCheckBalance(t *testing.T) {
	v := NewValidator(testLimits())

	if err := v.CheckBalance(decimal.NewFromInt(25), 2600); err != nil {
		t.Fatalf("expected balance to cover, got %v", err)
	}
	if err := v.CheckBalance(decimal.NewFromInt(25), 2599); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestEffectivePrice(t *testing.T) {
	tests := []struct {
		name   string
		intent strategy.Intent
		snap   merger.InstrumentSnapshot
		want   string
		ok     bool
	}{
		{"open prefers ask", openIntent(1), snapshot(adapter.Float(0.40), adapter.Float(0.42), adapter.Float(0.41)), "0.42", true},
		{"open falls back to last", openIntent(1), snapshot(adapter.Float(0.40), nil, adapter.Float(0.41)), "0.41", true},
		{"open falls back to bid", openIntent(1), snapshot(adapter.Float(0.40), nil, nil), "0.4", true},
		{"close prefers bid", closeIntent(1), snapshot(adapter.Float(0.40), adapter.Float(0.42), adapter.Float(0.41)), "0.4", true},
		{"close falls back to last", closeIntent(1), snapshot(nil, adapter.Float(0.42), adapter.Float(0.41)), "0.41", true},
		{"close never uses ask", closeIntent(1), snapshot(nil, adapter.Float(0.42), nil), "0", false},
		{"zero ask skipped", openIntent(1), snapshot(adapter.Float(0.30), adapter.Float(0), nil), "0.3", true},
		{"rounded to cents", openIntent(1), snapshot(nil, adapter.Float(0.2049), nil), "0.2", true},
	}
	limit := strategy.Intent{Instrument: "KX-A", Action: strategy.ActionOpen, LimitPrice: adapter.Float(0.07)}
	tests = append(tests, struct {
		name   string
		intent strategy.Intent
		snap   merger.InstrumentSnapshot
		want   string
		ok     bool
	}{"limit overrides", limit, snapshot(nil, adapter.Float(0.5), nil), "0.07", true})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EffectivePrice(tt.intent, tt.snap)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got.String() != tt.want {
				t.Fatalf("price = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestContracts(t *testing.T) {
	tests := []struct {
		size, price string
		max, want   int
	}{
		{"25", "0.20", 1000, 125},
		{"25", "0.30", 1000, 83},
		{"0.05", "0.20", 1000, 1},
		{"1000", "0.01", 500, 500},
	}
	for _, tt := range tests {
		got := Contracts(decimal.RequireFromString(tt.size), decimal.RequireFromString(tt.price), tt.max)
		if got != tt.want {
			t.Fatalf("Contracts(%s, %s, %d) = %d, want %d", tt.size, tt.price, tt.max, got, tt.want)
		}
	}
}

func TestCents(t *testing.T) {
	if got := Cents(decimal.RequireFromString("0.2")); got != 20 {
		t.Fatalf("expected 20, got %d", got)
	}
	if got := Cents(decimal.RequireFromString("0.99")); got != 99 {
		t.Fatalf("expected 99, got %d", got)
	}
}
