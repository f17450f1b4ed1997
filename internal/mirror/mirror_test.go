package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caesar-terminal/courtside/internal/adapter"
	"github.com/caesar-terminal/courtside/internal/merger"
	"github.com/caesar-terminal/courtside/internal/scoreboard"
)

// mockRedis records every HSet call for assertion.
type mockRedis struct {
	mu    sync.Mutex
	calls []hsetCall
	fail  bool
}

type hsetCall struct {
	Key    string
	Fields map[string]string
}

func (m *mockRedis) HSet(_ context.Context, key string, values ...any) error {
	fields := make(map[string]string)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, hsetCall{Key: key, Fields: fields})
	if m.fail {
		return errors.New("connection refused")
	}
	return nil
}

func (m *mockRedis) getCalls() []hsetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hsetCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockRedis) waitCalls(t *testing.T, n int) []hsetCall {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if calls := m.getCalls(); len(calls) >= n {
			return calls
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d HSET calls, got %d", n, len(m.getCalls()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func state(bid float64, homeScore int) merger.State {
	return merger.State{
		Time:    time.UnixMilli(1700000000000),
		EventID: "KXNBAGAME-25JAN12BOSLAL",
		Game:    &scoreboard.GameState{HomeID: "BOS", AwayID: "LAL", HomeScore: homeScore, AwayScore: 80, Period: 4, ClockSeconds: 95.5, Status: "4th Quarter"},
		Instruments: map[string]merger.InstrumentSnapshot{
			"KXNBAGAME-25JAN12BOSLAL-BOS": {
				Instrument: "KXNBAGAME-25JAN12BOSLAL-BOS",
				Side:       merger.SideHome,
				Bid:        adapter.Float(bid),
				Ask:        adapter.Float(0.58),
				Status:     adapter.String("open"),
			},
		},
	}
}

func TestQuoteMirror_HSetCommand(t *testing.T) {
	mock := &mockRedis{}
	feed := make(chan merger.State, 8)
	m := NewQuoteMirror(mock, feed, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go m.Run(ctx)

	feed <- state(0.55, 82)
	calls := mock.waitCalls(t, 2)

	q := calls[0]
	if q.Key != "quote:KXNBAGAME-25JAN12BOSLAL:KXNBAGAME-25JAN12BOSLAL-BOS" {
		t.Fatalf("unexpected key %q", q.Key)
	}
	want := map[string]string{"bid": "0.55", "ask": "0.58", "last": "", "status": "open", "side": "home", "ts": "1700000000000"}
	for k, v := range want {
		if q.Fields[k] != v {
			t.Fatalf("field %s = %q, want %q", k, q.Fields[k], v)
		}
	}

	g := calls[1]
	if g.Key != "game:KXNBAGAME-25JAN12BOSLAL" {
		t.Fatalf("unexpected key %q", g.Key)
	}
	if g.Fields["home_score"] != "82" || g.Fields["clock"] != "95.5" || g.Fields["status"] != "4th Quarter" {
		t.Fatalf("unexpected game fields %v", g.Fields)
	}
}

func TestQuoteMirror_DuplicateSuppression(t *testing.T) {
	mock := &mockRedis{}
	feed := make(chan merger.State, 8)
	m := NewQuoteMirror(mock, feed, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	feed <- state(0.55, 82)
	feed <- state(0.55, 82) // identical
	feed <- state(0.56, 82) // quote changes
	feed <- state(0.56, 84) // score changes
	close(feed)
	<-done

	calls := mock.getCalls()
	if len(calls) != 4 {
		t.Fatalf("expected 4 HSET calls, got %d", len(calls))
	}
	if calls[2].Fields["bid"] != "0.56" {
		t.Fatalf("expected updated bid, got %q", calls[2].Fields["bid"])
	}
	if calls[3].Fields["home_score"] != "84" {
		t.Fatalf("expected updated score, got %q", calls[3].Fields["home_score"])
	}
}

func TestQuoteMirror_RetriesAfterFailure(t *testing.T) {
	mock := &mockRedis{fail: true}
	m := NewQuoteMirror(mock, nil, nil)

	m.write(context.Background(), state(0.55, 82))
	mock.fail = false
	m.write(context.Background(), state(0.55, 82))

	if n := len(mock.getCalls()); n != 4 {
		t.Fatalf("expected failed writes to be retried, got %d calls", n)
	}
}
