package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/logging"
	"github.com/caesar-terminal/courtside/internal/merger"
	"github.com/caesar-terminal/courtside/internal/metrics"
	"github.com/caesar-terminal/courtside/internal/strategy"
)

// ErrNoVenue is returned by NewBroker for a live broker without a venue.
var ErrNoVenue = errors.New("engine: live broker requires a venue")

// Venue is the exchange surface the live broker needs. Satisfied by
// kalshi.Client.
type Venue interface {
	Balance(ctx context.Context) (int64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
}

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	Live           bool
	Limits         Limits
	BalanceTimeout time.Duration
	OrderTimeout   time.Duration
	// SimulatedCash is the dry-run starting balance.
	SimulatedCash decimal.Decimal
}

// Broker validates intents, submits or simulates them, and owns position
// bookkeeping. Execute is called from a single goroutine; the mutex only
// guards reads from observers.
type Broker struct {
	cfg       BrokerConfig
	validator *Validator
	venue     Venue
	gate      TradingGate
	logger    *zap.Logger

	mu        sync.Mutex
	positions map[string]*Position
	cash      decimal.Decimal
	realized  decimal.Decimal

	nowFunc func() time.Time
	newID   func() string
}

// NewBroker creates a Broker. venue may be nil in dry-run mode; gate may be
// nil to allow all trading.
func NewBroker(cfg BrokerConfig, venue Venue, gate TradingGate, logger *zap.Logger) (*Broker, error) {
	if cfg.Live && venue == nil {
		return nil, ErrNoVenue
	}
	logger = logging.OrNop(logger)
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = 5 * time.Second
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	return &Broker{
		cfg:       cfg,
		validator: NewValidator(cfg.Limits),
		venue:     venue,
		gate:      gate,
		logger:    logger.Named("broker"),
		positions: make(map[string]*Position),
		cash:      cfg.SimulatedCash,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
	}, nil
}

// Live reports whether orders reach the venue.
func (b *Broker) Live() bool { return b.cfg.Live }

// Execute runs one intent against st. It never panics and never returns an
// error: every failure is a result with OK false.
func (b *Broker) Execute(ctx context.Context, intent strategy.Intent, st merger.State) (res OrderResult) {
	res = OrderResult{Simulated: !b.cfg.Live, Time: b.nowFunc().UTC()}
	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Status = StatusFailed
			res.Err = fmt.Errorf("broker panic: %v", r)
		}
		b.observe(intent, res)
	}()

	snap, _ := st.Instrument(intent.Instrument)
	order, err := b.validator.Prepare(intent, snap, b.position(intent.Instrument))
	if err != nil {
		res.Status = StatusRejected
		res.Err = err
		return res
	}

	res.Price = order.Price
	res.Contracts = order.Contracts
	res.Notional = order.Notional
	res.Request = OrderRequest{
		Ticker:        intent.Instrument,
		Action:        order.Action.String(),
		Type:          "limit",
		Side:          Yes.String(),
		Count:         order.Contracts,
		YesPrice:      Cents(order.Price),
		ClientOrderID: b.newID(),
	}

	if !b.cfg.Live {
		res.OK = true
		res.Status = StatusFilled
		res.OrderID = "dry-" + res.Request.ClientOrderID
		b.apply(order.Action, intent.Instrument, order.Contracts, order.Price, res.Time)
		return res
	}
	return b.submit(ctx, order, res)
}

// submit performs the live checks and sends the order.
func (b *Broker) submit(ctx context.Context, order Order, res OrderResult) OrderResult {
	instrument := order.Intent.Instrument
	if b.gate != nil && !b.gate.CanTrade(instrument) {
		res.Status = StatusRejected
		res.Err = fmt.Errorf("%w: %s", ErrTradingHalted, instrument)
		return res
	}

	if order.Action == Buy {
		bctx, cancel := context.WithTimeout(ctx, b.cfg.BalanceTimeout)
		cents, err := b.venue.Balance(bctx)
		cancel()
		if err != nil {
			res.Status = StatusRejected
			res.Err = fmt.Errorf("%w: %v", ErrBalanceUnavailable, err)
			return res
		}
		if err := b.validator.CheckBalance(order.Notional, cents); err != nil {
			res.Status = StatusRejected
			res.Err = err
			return res
		}
	}

	octx, cancel := context.WithTimeout(ctx, b.cfg.OrderTimeout)
	defer cancel()
	ack, err := b.venue.PlaceOrder(octx, res.Request)
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("submit order: %w", err)
		return res
	}

	res.OK = true
	res.Status = StatusFilled
	res.OrderID = ack.OrderID
	res.Raw = ack.Raw

	fillPrice := order.Price
	if ack.FillPriceCents > 0 {
		fillPrice = decimal.New(int64(ack.FillPriceCents), -2)
	}
	filled := order.Contracts
	if ack.FilledCount > 0 {
		filled = ack.FilledCount
	}
	b.apply(order.Action, instrument, filled, fillPrice, res.Time)
	return res
}

func (b *Broker) observe(intent strategy.Intent, res OrderResult) {
	outcome := res.Status.String()
	metrics.OrdersTotal.WithLabelValues(intent.Origin, intent.Action.String(), outcome).Inc()

	fields := []zap.Field{
		zap.String("strategy", intent.Origin),
		zap.String("instrument", intent.Instrument),
		zap.Stringer("action", intent.Action),
		zap.Float64("size", intent.Size),
		zap.Int("contracts", res.Contracts),
		zap.String("price", res.Price.StringFixed(2)),
		zap.Any("request", res.Request),
		zap.Bool("simulated", res.Simulated),
	}
	if res.OK {
		b.logger.Info("order filled", append(fields, zap.String("order_id", res.OrderID))...)
		return
	}
	b.logger.Warn("order not placed", append(fields, zap.String("status", outcome), zap.Error(res.Err))...)
}

func (b *Broker) position(instrument string) *Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[instrument]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// apply updates bookkeeping for a fill. Closes release committed dollars
// at the average entry price and book the difference as realised PnL.
func (b *Broker) apply(action Action, instrument string, contracts int, price decimal.Decimal, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	qty := decimal.NewFromInt(int64(contracts))
	notional := price.Mul(qty)

	switch action {
	case Buy:
		p, ok := b.positions[instrument]
		if !ok {
			p = &Position{Instrument: instrument, OpenedAt: at}
			b.positions[instrument] = p
		}
		p.Contracts += contracts
		p.DollarsCommitted = p.DollarsCommitted.Add(notional)
		b.cash = b.cash.Sub(notional)

	case Sell:
		p, ok := b.positions[instrument]
		if !ok {
			return
		}
		contracts = min(contracts, p.Contracts)
		qty = decimal.NewFromInt(int64(contracts))
		notional = price.Mul(qty)
		released := p.AvgPrice().Mul(qty)
		if contracts == p.Contracts {
			released = p.DollarsCommitted
		}
		b.realized = b.realized.Add(notional.Sub(released))
		b.cash = b.cash.Add(notional)
		p.Contracts -= contracts
		p.DollarsCommitted = p.DollarsCommitted.Sub(released)
		if p.Contracts == 0 {
			delete(b.positions, instrument)
		}
	}
}

// PortfolioView is the snapshot strategies see before each decision.
func (b *Broker) PortfolioView() strategy.PortfolioView {
	b.mu.Lock()
	defer b.mu.Unlock()

	view := strategy.PortfolioView{
		Simulated: !b.cfg.Live,
		Positions: make(map[string]strategy.PositionView, len(b.positions)),
	}
	if !b.cfg.Live {
		view.Cash = b.cash.InexactFloat64()
		view.RealizedPnL = b.realized.InexactFloat64()
	}
	for id, p := range b.positions {
		view.Positions[id] = strategy.PositionView{
			Contracts:        p.Contracts,
			DollarsCommitted: p.DollarsCommitted.InexactFloat64(),
			AvgPrice:         p.AvgPrice().InexactFloat64(),
		}
	}
	return view
}

// Positions returns a copy of all open positions sorted by instrument.
func (b *Broker) Positions() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// RealizedPnL is the profit booked by closes so far.
func (b *Broker) RealizedPnL() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realized
}
