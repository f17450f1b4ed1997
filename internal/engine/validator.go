package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/courtside/internal/merger"
	"github.com/caesar-terminal/courtside/internal/strategy"
)

// Sentinel errors carried in failed OrderResults.
var (
	ErrUnsupportedAction   = errors.New("unsupported intent action")
	ErrNoPrice             = errors.New("no usable price")
	ErrPriceOutOfRange     = errors.New("price out of valid range")
	ErrNoPosition          = errors.New("no position to close")
	ErrNotionalCap         = errors.New("notional exceeds safety cap")
	ErrTradingHalted       = errors.New("trading gate closed for instrument")
	ErrBalanceUnavailable  = errors.New("balance unavailable")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Limits are the broker's hard safety bounds.
type Limits struct {
	MinPrice      decimal.Decimal
	MaxPrice      decimal.Decimal
	MaxContracts  int
	MaxNotional   decimal.Decimal
	BalanceBuffer decimal.Decimal
}

// TradingGate reports whether an instrument may be traded right now.
// Satisfied by adapter.CircuitBreaker.
type TradingGate interface {
	CanTrade(instrument string) bool
}

// Order is an intent that passed validation, priced and sized.
type Order struct {
	Intent    strategy.Intent
	Action    Action
	Price     decimal.Decimal
	Contracts int
	Notional  decimal.Decimal
}

// Validator performs the pre-flight checks on an intent. It fails fast: the
// first failing check is returned and nothing is submitted.
type Validator struct {
	limits Limits
}

// NewValidator creates a Validator. A MaxContracts below one is treated as
// one.
func NewValidator(l Limits) *Validator {
	if l.MaxContracts < 1 {
		l.MaxContracts = 1
	}
	return &Validator{limits: l}
}

// Prepare prices and sizes intent against the instrument's latest snapshot
// and the current position (nil when none is held). Checks run in order:
// action, price derivable, price in range, position exists for a close,
// notional cap.
func (v *Validator) Prepare(intent strategy.Intent, snap merger.InstrumentSnapshot, pos *Position) (Order, error) {
	var action Action
	switch intent.Action {
	case strategy.ActionOpen:
		action = Buy
	case strategy.ActionClose:
		action = Sell
	default:
		return Order{}, fmt.Errorf("%w: %s", ErrUnsupportedAction, intent.Action)
	}

	price, ok := EffectivePrice(intent, snap)
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrNoPrice, intent.Instrument)
	}
	if price.LessThan(v.limits.MinPrice) || price.GreaterThan(v.limits.MaxPrice) {
		return Order{}, fmt.Errorf("%w: %s not in [%s, %s]",
			ErrPriceOutOfRange, price, v.limits.MinPrice, v.limits.MaxPrice)
	}

	order := Order{Intent: intent, Action: action, Price: price}
	switch action {
	case Buy:
		order.Contracts = Contracts(decimal.NewFromFloat(intent.Size), price, v.limits.MaxContracts)
	case Sell:
		if pos == nil || pos.Contracts <= 0 {
			return Order{}, fmt.Errorf("%w: %s", ErrNoPosition, intent.Instrument)
		}
		order.Contracts = min(pos.Contracts, v.limits.MaxContracts)
		if intent.Size > 0 {
			order.Contracts = min(pos.Contracts,
				Contracts(decimal.NewFromFloat(intent.Size), price, v.limits.MaxContracts))
		}
	}

	order.Notional = price.Mul(decimal.NewFromInt(int64(order.Contracts)))
	if order.Notional.GreaterThan(v.limits.MaxNotional) {
		return Order{}, fmt.Errorf("%w: %s > %s", ErrNotionalCap, order.Notional, v.limits.MaxNotional)
	}
	return order, nil
}

// CheckBalance verifies that balanceCents covers notional plus the buffer.
func (v *Validator) CheckBalance(notional decimal.Decimal, balanceCents int64) error {
	available := decimal.New(balanceCents, -2)
	need := notional.Add(v.limits.BalanceBuffer)
	if available.LessThan(need) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, available.StringFixed(2), need.StringFixed(2))
	}
	return nil
}
