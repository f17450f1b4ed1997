package scoreboard

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const summaryJSON = `{
  "header": {
    "competitions": [{
      "competitors": [
        {"id": "12", "homeAway": "home", "score": "98", "team": {"abbreviation": "kc"}},
        {"id": "33", "homeAway": "away", "score": "101", "team": {"abbreviation": "BAL"}}
      ]
    }],
    "status": {
      "period": 4,
      "displayClock": "3:25",
      "type": {"detail": "4th Quarter", "state": "in", "completed": false}
    }
  },
  "situation": {
    "possession": "12",
    "down": 3,
    "distance": 7,
    "yardLine": 18,
    "lastPlay": {"text": "Pass complete for 12 yards"}
  }
}`

func TestESPNFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/football/nfl/summary", r.URL.Path)
		assert.Equal(t, "401547", r.URL.Query().Get("event"))
		_, _ = io.WriteString(w, summaryJSON)
	}))
	defer srv.Close()

	f, err := NewESPNFetcher(srv.URL, "nfl")
	require.NoError(t, err)

	g, err := f.Fetch(context.Background(), "401547")
	require.NoError(t, err)
	require.NotNil(t, g)

	assert.Equal(t, "KC", g.HomeID)
	assert.Equal(t, "BAL", g.AwayID)
	assert.Equal(t, 98, g.HomeScore)
	assert.Equal(t, 101, g.AwayScore)
	assert.Equal(t, -3, g.ScoreDiff())
	assert.Equal(t, 4, g.Period)
	assert.InDelta(t, 205.0, g.ClockSeconds, 1e-9)
	assert.InDelta(t, 205.0/60, g.MinutesRemaining(), 1e-9)
	assert.Equal(t, "KC", g.Possession)
	assert.Equal(t, 3, g.Down)
	assert.Equal(t, 7, g.Distance)
	assert.True(t, g.InRedZone())
	assert.Equal(t, "Pass complete for 12 yards", g.LastPlay)
	assert.False(t, g.IsFinal())
}

func TestESPNFetcher_Errors(t *testing.T) {
	_, err := NewESPNFetcher("http://x", "curling")
	require.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, err := NewESPNFetcher(srv.URL, "nba")
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "1")
	require.Error(t, err)
}

func TestParseClock(t *testing.T) {
	tests := map[string]float64{
		"12:00": 720,
		"0:45":  45,
		"34.2":  34.2,
		"":      0,
		"bad":   0,
		"1:xx":  0,
	}
	for in, want := range tests {
		assert.InDelta(t, want, parseClock(in), 1e-9, "clock %q", in)
	}
}

func TestGameState_IsFinal(t *testing.T) {
	assert.True(t, (&GameState{Status: "Final/OT"}).IsFinal())
	assert.True(t, (&GameState{Completed: true}).IsFinal())
	assert.False(t, (&GameState{Status: "Halftime"}).IsFinal())
}

// scriptedFetcher returns results in order, then repeats the last one.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	g   *GameState
	err error
}

func (s *scriptedFetcher) Fetch(context.Context, string) (*GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	return r.g, r.err
}

func TestPoller_SkipsFailuresAndStopsOnFinal(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{
		{err: errors.New("timeout")},
		{g: nil},
		{g: &GameState{GameID: "other"}},
		{g: &GameState{GameID: "g1", HomeScore: 10, Status: "1st Quarter"}},
		{g: &GameState{GameID: "g1", HomeScore: 99, Status: "Final"}},
	}}

	p := NewPoller(PollerConfig{GameID: "g1", Interval: time.Millisecond, StopOnFinal: true}, f, nil)
	out := make(chan *GameState, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, p.Run(ctx, out))
	close(out)

	var got []*GameState
	for g := range out {
		got = append(got, g)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 10, got[0].HomeScore)
	assert.True(t, got[1].IsFinal())
}

func TestPoller_RunsUntilCancelled(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{{g: &GameState{GameID: "g1", Status: "Final"}}}}
	p := NewPoller(PollerConfig{GameID: "g1", Interval: time.Millisecond}, f, nil)
	out := make(chan *GameState, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	go func() {
		for range out {
		}
	}()
	err := p.Run(ctx, out)
	close(out)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
