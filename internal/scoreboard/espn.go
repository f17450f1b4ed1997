package scoreboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cast"
)

// sportPaths maps a configured sport to its ESPN site-API path.
var sportPaths = map[string]string{
	"nba":   "basketball/nba",
	"wnba":  "basketball/wnba",
	"ncaab": "basketball/mens-college-basketball",
	"nfl":   "football/nfl",
	"ncaaf": "football/college-football",
}

// ESPNFetcher reads the ESPN site API game summary endpoint.
type ESPNFetcher struct {
	base    string
	http    *http.Client
	nowFunc func() time.Time
}

// NewESPNFetcher creates a fetcher for sport against baseURL (e.g.
// https://site.api.espn.com/apis/site/v2/sports).
func NewESPNFetcher(baseURL, sport string) (*ESPNFetcher, error) {
	path, ok := sportPaths[strings.ToLower(sport)]
	if !ok {
		return nil, fmt.Errorf("scoreboard: unsupported sport %q", sport)
	}
	return &ESPNFetcher{
		base:    strings.TrimRight(baseURL, "/") + "/" + path,
		http:    &http.Client{},
		nowFunc: time.Now,
	}, nil
}

type espnCompetitor struct {
	ID       string `json:"id"`
	HomeAway string `json:"homeAway"`
	// ESPN sends score as a string in summaries and a number elsewhere.
	Score any `json:"score"`
	Team  struct {
		Abbreviation string `json:"abbreviation"`
	} `json:"team"`
}

type espnSummary struct {
	Header struct {
		Competitions []struct {
			Competitors []espnCompetitor `json:"competitors"`
			Status      *espnStatus      `json:"status"`
		} `json:"competitions"`
		Status *espnStatus `json:"status"`
	} `json:"header"`
	Situation struct {
		Possession any `json:"possession"`
		Down       any `json:"down"`
		Distance   any `json:"distance"`
		YardLine   any `json:"yardLine"`
		LastPlay   struct {
			Text string `json:"text"`
		} `json:"lastPlay"`
	} `json:"situation"`
}

type espnStatus struct {
	Period       int    `json:"period"`
	DisplayClock string `json:"displayClock"`
	Type         struct {
		Detail    string `json:"detail"`
		State     string `json:"state"`
		Completed bool   `json:"completed"`
	} `json:"type"`
}

// Fetch implements Fetcher.
func (f *ESPNFetcher) Fetch(ctx context.Context, gameID string) (*GameState, error) {
	u := f.base + "/summary?event=" + url.QueryEscape(gameID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("scoreboard: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scoreboard: fetch %s: %w", gameID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scoreboard: fetch %s: status %d", gameID, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("scoreboard: read body: %w", err)
	}

	var sum espnSummary
	if err := json.Unmarshal(body, &sum); err != nil {
		return nil, fmt.Errorf("scoreboard: decode summary: %w", err)
	}
	return f.parse(gameID, &sum), nil
}

// parse maps a summary to a GameState. It returns nil when the summary has
// no competition block.
func (f *ESPNFetcher) parse(gameID string, sum *espnSummary) *GameState {
	if len(sum.Header.Competitions) == 0 {
		return nil
	}
	comp := sum.Header.Competitions[0]

	var home, away espnCompetitor
	for _, c := range comp.Competitors {
		switch c.HomeAway {
		case "home":
			home = c
		case "away":
			away = c
		}
	}

	st := sum.Header.Status
	if st == nil {
		st = comp.Status
	}
	if st == nil {
		st = &espnStatus{}
	}

	g := &GameState{
		GameID:       gameID,
		HomeID:       teamOrUnknown(home.Team.Abbreviation),
		AwayID:       teamOrUnknown(away.Team.Abbreviation),
		HomeScore:    cast.ToInt(home.Score),
		AwayScore:    cast.ToInt(away.Score),
		Period:       st.Period,
		ClockSeconds: parseClock(st.DisplayClock),
		Status:       st.Type.Detail,
		Completed:    st.Type.Completed,
		FetchedAt:    f.nowFunc().UTC(),
	}

	sit := sum.Situation
	if poss := cast.ToString(sit.Possession); poss != "" {
		switch poss {
		case home.ID:
			g.Possession = g.HomeID
		case away.ID:
			g.Possession = g.AwayID
		}
	}
	g.Down = cast.ToInt(sit.Down)
	g.Distance = cast.ToInt(sit.Distance)
	g.YardLine = cast.ToInt(sit.YardLine)
	g.LastPlay = sit.LastPlay.Text
	return g
}

func teamOrUnknown(abbr string) string {
	if abbr == "" {
		return "UNK"
	}
	return strings.ToUpper(abbr)
}

// parseClock converts "MM:SS" or "SS.s" to seconds. Unparseable clocks are 0.
func parseClock(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mm, ss, found := strings.Cut(s, ":")
	if !found {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}
	m, err1 := strconv.ParseFloat(mm, 64)
	sec, err2 := strconv.ParseFloat(ss, 64)
	if err1 != nil || err2 != nil {
		return 0
	}
	return m*60 + sec
}
