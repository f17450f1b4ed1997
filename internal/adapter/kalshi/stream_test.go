package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/caesar-terminal/courtside/internal/adapter"
	"github.com/caesar-terminal/courtside/internal/signer"
)

// generateTestKey creates an RSA key pair and returns the PEM-encoded private key.
func generateTestKey(t *testing.T) ([]byte, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return pemBytes, &priv.PublicKey
}

// stubSigner returns a fixed signature and records what it signed.
type stubSigner struct {
	signed []string
}

func (s *stubSigner) APIKeyID() string { return "test-api-key" }

func (s *stubSigner) Sign(msg string) (string, error) {
	s.signed = append(s.signed, msg)
	return "c2ln", nil
}

func TestAuthHeaders(t *testing.T) {
	pemKey, pub := generateTestKey(t)
	session, err := signer.NewSession("test-api-key", pemKey)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	headers, err := AuthHeaders(session, http.MethodGet, WSPath)
	if err != nil {
		t.Fatalf("AuthHeaders: %v", err)
	}

	if headers.Get("KALSHI-ACCESS-KEY") != "test-api-key" {
		t.Fatalf("expected API key 'test-api-key', got %q", headers.Get("KALSHI-ACCESS-KEY"))
	}
	ts := headers.Get("KALSHI-ACCESS-TIMESTAMP")
	if ts == "" {
		t.Fatal("missing KALSHI-ACCESS-TIMESTAMP")
	}

	sig, err := base64.StdEncoding.DecodeString(headers.Get("KALSHI-ACCESS-SIGNATURE"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	h := sha256.Sum256([]byte(ts + "GET" + WSPath))
	if err := rsa.VerifyPSS(pub, crypto.SHA256, h[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	}); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// scriptServer upgrades to WS, captures the first client message, then writes
// frames in order and waits for the client to hang up.
func scriptServer(t *testing.T, frames ...string) (*httptest.Server, <-chan []byte) {
	t.Helper()
	captured := make(chan []byte, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		captured <- msg
		for _, f := range frames {
			if err := c.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, captured
}

func TestTickerStream_SubscriptionMessage(t *testing.T) {
	srv, captured := scriptServer(t)
	defer srv.Close()

	instruments := []string{"KXNBAGAME-25JAN15BOSLAL-BOS", "KXNBAGAME-25JAN15BOSLAL-LAL"}
	ws := adapter.NewWSClient(adapter.DefaultWSConfig(wsURL(srv)), nil)
	stream, err := NewTickerStream(ws, instruments, nil)
	if err != nil {
		t.Fatalf("NewTickerStream: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go stream.Run(ctx, make(chan adapter.MarketTick, 1))

	select {
	case raw := <-captured:
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if cmd.Cmd != "subscribe" {
			t.Fatalf("expected cmd 'subscribe', got %q", cmd.Cmd)
		}
		if len(cmd.Params.Channels) != 1 || cmd.Params.Channels[0] != "ticker" {
			t.Fatalf("expected channels ['ticker'], got %v", cmd.Params.Channels)
		}
		if len(cmd.Params.MarketTickers) != 2 || cmd.Params.MarketTickers[1] != instruments[1] {
			t.Fatalf("unexpected market tickers %v", cmd.Params.MarketTickers)
		}
		if cmd.ID != 1 {
			t.Fatalf("expected id 1, got %d", cmd.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription message")
	}
}

func TestTickerStream_FiltersAndNormalises(t *testing.T) {
	const bos = "KXNBAGAME-25JAN15BOSLAL-BOS"
	srv, _ := scriptServer(t,
		`{"type":"subscribed","id":1,"msg":{"channel":"ticker","sid":1}}`,
		`{not json`,
		`{"type":"ticker","msg":{"market_ticker":"KXNFLGAME-OTHER-KC","price":50}}`,
		`{"type":"ticker","msg":{"market_ticker":"`+bos+`","price":48,"yes_bid":47,"yes_ask":49,"volume":1200,"ts":1700000000}}`,
		`{"type":"ticker","msg":{"market_ticker":"`+bos+`","yes_ask":51,"status":"Active"}}`,
	)
	defer srv.Close()

	ws := adapter.NewWSClient(adapter.DefaultWSConfig(wsURL(srv)), nil)
	stream, err := NewTickerStream(ws, []string{bos}, nil)
	if err != nil {
		t.Fatalf("NewTickerStream: %v", err)
	}
	fixed := time.Date(2025, 1, 15, 1, 0, 0, 0, time.UTC)
	stream.nowFunc = func() time.Time { return fixed }

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out := make(chan adapter.MarketTick, 8)
	go stream.Run(ctx, out)

	first := recvTick(t, out)
	if first.Instrument != bos {
		t.Fatalf("unexpected instrument %q", first.Instrument)
	}
	assertPrice(t, "price", first.Price, 0.48)
	assertPrice(t, "bid", first.Bid, 0.47)
	assertPrice(t, "ask", first.Ask, 0.49)
	if first.Volume == nil || *first.Volume != 1200 {
		t.Fatalf("expected volume 1200, got %v", first.Volume)
	}
	if first.OpenInterest != nil {
		t.Fatal("absent open_interest must stay nil")
	}
	if !first.Time.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("expected venue timestamp, got %v", first.Time)
	}

	second := recvTick(t, out)
	if second.Price != nil || second.Bid != nil {
		t.Fatal("partial tick must leave absent fields nil")
	}
	assertPrice(t, "ask", second.Ask, 0.51)
	if second.Status == nil || *second.Status != "active" {
		t.Fatalf("expected lower-cased status, got %v", second.Status)
	}
	if !second.Time.Equal(fixed) {
		t.Fatalf("expected wall-clock timestamp, got %v", second.Time)
	}

	select {
	case extra := <-out:
		t.Fatalf("unexpected extra tick %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewTickerStreamRequiresInstruments(t *testing.T) {
	ws := adapter.NewWSClient(adapter.DefaultWSConfig("ws://unused"), nil)
	if _, err := NewTickerStream(ws, nil, nil); err == nil {
		t.Fatal("expected error for empty instrument set")
	}
}

func recvTick(t *testing.T, ch <-chan adapter.MarketTick) adapter.MarketTick {
	t.Helper()
	select {
	case tick := <-ch:
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return adapter.MarketTick{}
	}
}

func assertPrice(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: expected %f, got nil", name, want)
	}
	if math.Abs(*got-want) > 1e-9 {
		t.Errorf("%s: want %f, got %f", name, want, *got)
	}
}
