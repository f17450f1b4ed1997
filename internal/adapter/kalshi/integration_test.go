package kalshi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/courtside/internal/adapter"
	"github.com/caesar-terminal/courtside/internal/engine"
	"github.com/caesar-terminal/courtside/internal/merger"
	"github.com/caesar-terminal/courtside/internal/mirror"
	"github.com/caesar-terminal/courtside/internal/scoreboard"
	"github.com/caesar-terminal/courtside/internal/strategy"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// controlledServer is a WS server that lets the test push frames at will and
// later refuse new connections.
type controlledServer struct {
	srv     *httptest.Server
	connMu  sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{}
	once    sync.Once
	refused atomic.Bool
}

func newControlledServer(t *testing.T) *controlledServer {
	t.Helper()
	cs := &controlledServer{ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cs.refused.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.connMu.Lock()
		cs.conn = c
		cs.connMu.Unlock()
		cs.once.Do(func() { close(cs.ready) })
		// Hold the connection until the client or the test drops it.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return cs
}

func (cs *controlledServer) URL() string {
	return "ws" + strings.TrimPrefix(cs.srv.URL, "http")
}

func (cs *controlledServer) Send(t *testing.T, msg string) {
	t.Helper()
	cs.connMu.Lock()
	c := cs.conn
	cs.connMu.Unlock()
	if c == nil {
		t.Fatal("controlledServer: no client connected")
	}
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("controlledServer.Send: %v", err)
	}
}

// Outage drops the live connection and refuses reconnects.
func (cs *controlledServer) Outage() {
	cs.refused.Store(true)
	cs.connMu.Lock()
	if cs.conn != nil {
		_ = cs.conn.Close()
	}
	cs.connMu.Unlock()
}

func (cs *controlledServer) Close() { cs.srv.Close() }

func tickerJSON(instrument string, bid, ask int) string {
	return fmt.Sprintf(`{"type":"ticker","msg":{"market_ticker":%q,"yes_bid":%d,"yes_ask":%d}}`, instrument, bid, ask)
}

// mockRedisForIntegration records HSet calls.
type mockRedisForIntegration struct {
	mu    sync.Mutex
	calls []map[string]string
}

func (m *mockRedisForIntegration) HSet(_ context.Context, key string, values ...any) error {
	fields := map[string]string{"_key": key}
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	m.mu.Lock()
	m.calls = append(m.calls, fields)
	m.mu.Unlock()
	return nil
}

func (m *mockRedisForIntegration) find(key string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i]["_key"] == key {
			return m.calls[i]
		}
	}
	return nil
}

// recordingVenue accepts every order.
type recordingVenue struct {
	mu     sync.Mutex
	orders []engine.OrderRequest
}

func (v *recordingVenue) Balance(context.Context) (int64, error) { return 100_000, nil }

func (v *recordingVenue) PlaceOrder(_ context.Context, req engine.OrderRequest) (engine.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders = append(v.orders, req)
	return engine.OrderAck{OrderID: fmt.Sprintf("ord-%d", len(v.orders))}, nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ---------------------------------------------------------------------------
// Integration Test
// ---------------------------------------------------------------------------

func TestIntegration_StreamToBroker_SuccessAndOutage(t *testing.T) {
	const (
		event = "KXNBAGAME-25JAN15BOSLAL"
		bos   = event + "-BOS"
		lal   = event + "-LAL"
	)

	// ---------------------------------------------------------------
	// 1. Setup: mock WS server + full pipeline
	// ---------------------------------------------------------------
	server := newControlledServer(t)
	defer server.Close()

	cfg := adapter.DefaultWSConfig(server.URL())
	cfg.ReconnectBackoff = 50 * time.Millisecond
	ws := adapter.NewWSClient(cfg, nil)

	stream, err := NewTickerStream(ws, []string{bos, lal}, nil)
	if err != nil {
		t.Fatalf("NewTickerStream: %v", err)
	}

	breaker := adapter.NewCircuitBreaker(adapter.CircuitBreakerConfig{
		CoolOff:      100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	breaker.WatchConnection(ws)

	m := merger.New(merger.Config{
		EventID:           event,
		GameID:            "401",
		Home:              "BOS",
		Away:              "LAL",
		Instruments:       []string{bos, lal},
		HeartbeatInterval: time.Hour,
	}, nil)
	games := func(ctx context.Context, out chan<- *scoreboard.GameState) error {
		g := &scoreboard.GameState{GameID: "401", HomeID: "BOS", AwayID: "LAL", HomeScore: 98, AwayScore: 94, Period: 4, ClockSeconds: 150}
		select {
		case out <- g:
		case <-ctx.Done():
			return ctx.Err()
		}
		<-ctx.Done()
		return ctx.Err()
	}

	redis := &mockRedisForIntegration{}
	bc := adapter.NewBroadcaster[merger.State]("states", nil)
	defer bc.Close()
	qm := mirror.NewQuoteMirror(redis, bc.Subscribe(16), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	states := make(chan merger.State, 16)
	go breaker.Run(ctx)
	go qm.Run(ctx)
	go m.Run(ctx, breaker.Observe(stream.Run), games, states)

	select {
	case <-server.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}

	venue := &recordingVenue{}
	broker, err := engine.NewBroker(engine.BrokerConfig{
		Live: true,
		Limits: engine.Limits{
			MinPrice:     decimal.RequireFromString("0.01"),
			MaxPrice:     decimal.RequireFromString("0.99"),
			MaxContracts: 1000,
			MaxNotional:  decimal.NewFromInt(100),
		},
	}, venue, breaker, nil)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	intent := strategy.Intent{Origin: "integration", Instrument: lal, Action: strategy.ActionOpen, Size: 1.2}

	// ---------------------------------------------------------------
	// 2. SUCCESS SCENARIO
	// ---------------------------------------------------------------
	var priced merger.State
	t.Run("Success", func(t *testing.T) {
		server.Send(t, tickerJSON(lal, 11, 12))

		deadline := time.After(2 * time.Second)
		for priced.Instruments == nil {
			select {
			case st := <-states:
				bc.Publish(st)
				if snap, ok := st.Instrument(lal); ok && snap.Ask != nil {
					priced = st
				}
			case <-deadline:
				t.Fatal("timed out waiting for a priced state")
			}
		}
		if priced.Game == nil || priced.ScoreDiff != 4 {
			t.Fatalf("expected merged game with diff 4, got %+v", priced.Game)
		}
		if snap, _ := priced.Instrument(lal); snap.Side != merger.SideAway {
			t.Fatalf("expected away side, got %v", snap.Side)
		}

		eventually(t, "mirror write", func() bool {
			q := redis.find("quote:" + event + ":" + lal)
			return q != nil && q["ask"] == "0.12" && q["bid"] == "0.11"
		})

		eventually(t, "cool-off", func() bool { return breaker.CanTrade(lal) })
		if breaker.CanTrade(bos) {
			t.Fatal("instrument without ticks must not be tradable")
		}

		res := broker.Execute(ctx, intent, priced)
		if !res.OK {
			t.Fatalf("expected fill, got %v", res.Err)
		}
		venue.mu.Lock()
		defer venue.mu.Unlock()
		if len(venue.orders) != 1 || venue.orders[0].Count != 10 || venue.orders[0].YesPrice != 12 {
			t.Fatalf("unexpected orders %+v", venue.orders)
		}
	})

	// ---------------------------------------------------------------
	// 3. FAILURE SCENARIO: exchange outage closes the gate
	// ---------------------------------------------------------------
	t.Run("Outage", func(t *testing.T) {
		if priced.Instruments == nil {
			t.Skip("success scenario did not produce a state")
		}
		server.Outage()

		eventually(t, "circuit open", func() bool { return ws.Circuit() == adapter.CircuitOpen })
		eventually(t, "gate closed", func() bool { return !breaker.CanTrade(lal) })

		res := broker.Execute(ctx, intent, priced)
		if res.OK || !errors.Is(res.Err, engine.ErrTradingHalted) {
			t.Fatalf("expected halted rejection, got ok=%v err=%v", res.OK, res.Err)
		}
		venue.mu.Lock()
		defer venue.mu.Unlock()
		if len(venue.orders) != 1 {
			t.Fatalf("no order may reach the venue during an outage, got %d", len(venue.orders))
		}
	})
}
