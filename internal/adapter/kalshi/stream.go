package kalshi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/adapter"
	"github.com/caesar-terminal/courtside/internal/logging"
	"github.com/caesar-terminal/courtside/internal/metrics"
)

// command is the Kalshi WebSocket command envelope.
type command struct {
	ID     int           `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

// --- Raw wire types ---

type rawEnvelope struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

// rawTicker fields are pointers so an absent field stays absent.
type rawTicker struct {
	MarketTicker string   `json:"market_ticker"`
	Price        *float64 `json:"price"`
	YesBid       *float64 `json:"yes_bid"`
	YesAsk       *float64 `json:"yes_ask"`
	Volume       *float64 `json:"volume"`
	OpenInterest *float64 `json:"open_interest"`
	Status       *string  `json:"status"`
	Ts           *float64 `json:"ts"`
}

// TickerStream subscribes to the ticker channel for a fixed instrument set
// and emits normalised MarketTicks.
type TickerStream struct {
	ws          *adapter.WSClient
	instruments []string
	set         map[string]struct{}
	logger      *zap.Logger
	nowFunc     func() time.Time
}

// NewTickerStream creates a stream over ws. instruments must be non-empty.
func NewTickerStream(ws *adapter.WSClient, instruments []string, logger *zap.Logger) (*TickerStream, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("kalshi: ticker stream requires at least one instrument")
	}
	logger = logging.OrNop(logger)
	set := make(map[string]struct{}, len(instruments))
	for _, id := range instruments {
		set[id] = struct{}{}
	}
	return &TickerStream{
		ws:          ws,
		instruments: append([]string(nil), instruments...),
		set:         set,
		logger:      logger.Named("kalshi.ticker"),
		nowFunc:     time.Now,
	}, nil
}

// Run streams ticks into out until ctx is cancelled. Connection failures are
// handled inside; the only return value is ctx.Err().
func (s *TickerStream) Run(ctx context.Context, out chan<- adapter.MarketTick) error {
	return s.ws.Run(ctx, s.subscribe, func(msg []byte) bool {
		tick, ok := s.decode(msg)
		if !ok {
			return false
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return false
		}
		metrics.TicksTotal.WithLabelValues(tick.Instrument).Inc()
		return true
	})
}

// subscribe sends the full subscription. It runs on every (re)connect.
func (s *TickerStream) subscribe(_ context.Context, c adapter.Conn) error {
	msg, err := json.Marshal(command{
		ID:  1,
		Cmd: "subscribe",
		Params: commandParams{
			Channels:      []string{"ticker"},
			MarketTickers: s.instruments,
		},
	})
	if err != nil {
		return err
	}
	s.logger.Info("subscribing", zap.Int("instruments", len(s.instruments)))
	return c.WriteMessage(websocket.TextMessage, msg)
}

// decode turns one frame into a tick. Frames that are not ticker messages for
// a subscribed instrument are rejected.
func (s *TickerStream) decode(raw []byte) (adapter.MarketTick, bool) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Debug("dropping malformed frame", zap.Error(err))
		return adapter.MarketTick{}, false
	}

	switch env.Type {
	case "ticker":
	case "error":
		s.logger.Warn("exchange error", zap.ByteString("raw", raw))
		return adapter.MarketTick{}, false
	default:
		return adapter.MarketTick{}, false
	}

	var t rawTicker
	if err := json.Unmarshal(env.Msg, &t); err != nil {
		s.logger.Debug("dropping malformed ticker", zap.Error(err))
		return adapter.MarketTick{}, false
	}
	if _, ok := s.set[t.MarketTicker]; !ok {
		return adapter.MarketTick{}, false
	}

	tick := adapter.MarketTick{
		Instrument:   t.MarketTicker,
		Price:        cents(t.Price),
		Bid:          cents(t.YesBid),
		Ask:          cents(t.YesAsk),
		Volume:       t.Volume,
		OpenInterest: t.OpenInterest,
	}
	if t.Status != nil {
		tick.Status = adapter.String(strings.ToLower(*t.Status))
	}
	if t.Ts != nil {
		sec := int64(*t.Ts)
		nsec := int64((*t.Ts - float64(sec)) * 1e9)
		tick.Time = time.Unix(sec, nsec).UTC()
	} else {
		tick.Time = s.nowFunc().UTC()
	}
	return tick, true
}

// cents converts an integer-cents price to currency units.
func cents(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return adapter.Float(*v / 100.0)
}
