package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caesar-terminal/courtside/internal/logging"
	"github.com/caesar-terminal/courtside/internal/metrics"
)

// CircuitState represents the health of the WebSocket connection for circuit
// breaker integration.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // unhealthy, trading disabled
)

// ErrIdle is returned from a session when no accepted message arrived within
// IdleTimeout.
var ErrIdle = errors.New("ws: idle timeout")

// Conn is the subset of *websocket.Conn used by WSClient.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context, url string, headers http.Header) (Conn, error)
}

// HeaderFunc returns the handshake headers for one dial. It is invoked on
// every (re)connect so signed headers are always fresh.
type HeaderFunc func() (http.Header, error)

// ConnectFunc runs once per established connection, before any frame is
// read. Returning an error drops the connection and triggers a backoff.
type ConnectFunc func(ctx context.Context, c Conn) error

// MessageFunc handles one inbound frame and reports whether it was accepted.
// Only accepted frames reset the idle timer.
type MessageFunc func(msg []byte) bool

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// ReadTimeout is how often the client wakes to check for idleness when
	// no frame arrives. A quiet read wait alone is not an error.
	ReadTimeout time.Duration

	// IdleTimeout is the maximum time without an accepted message before the
	// client reconnects immediately.
	IdleTimeout time.Duration

	// ReconnectBackoff is the fixed wait after a connection failure.
	ReconnectBackoff time.Duration

	// Headers produces the handshake headers. Optional.
	Headers HeaderFunc
}

// DefaultWSConfig returns defaults tuned for a low-volume ticker channel.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		ReadTimeout:      30 * time.Second,
		IdleTimeout:      90 * time.Second,
		ReconnectBackoff: 5 * time.Second,
	}
}

// WSClient is a resilient WebSocket connection manager. It re-dials until its
// context is cancelled, replays the subscription on every connect, and tracks
// connection health for the trading gate.
type WSClient struct {
	cfg    WSConfig
	dialer Dialer
	bo     backoff.BackOff
	logger *zap.Logger

	// circuit exposes connection health for the circuit breaker.
	circuit atomic.Int32

	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	// onReconnect is called with the reason before each reconnection
	// (testing hook).
	onReconnect func(reason string)
}

// NewWSClient creates a new WebSocket client. Call Run to start.
func NewWSClient(cfg WSConfig, logger *zap.Logger) *WSClient {
	logger = logging.OrNop(logger)
	ws := &WSClient{
		cfg:     cfg,
		dialer:  &gorillaDialer{readBuf: cfg.ReadBufferSize, writeBuf: cfg.WriteBufferSize},
		bo:      backoff.NewConstantBackOff(cfg.ReconnectBackoff),
		logger:  logger.Named("ws"),
		nowFunc: time.Now,
		sleep:   sleepCtx,
	}
	ws.circuit.Store(int32(CircuitOpen))
	return ws
}

// WithDialer replaces the network dialer. Used by tests.
func (ws *WSClient) WithDialer(d Dialer) *WSClient {
	ws.dialer = d
	return ws
}

// Circuit returns the current circuit breaker state.
func (ws *WSClient) Circuit() CircuitState {
	return CircuitState(ws.circuit.Load())
}

// Run maintains the connection until ctx is cancelled, returning ctx.Err().
// Idle connections are replaced immediately; any other failure waits for the
// backoff first.
func (ws *WSClient) Run(ctx context.Context, onConnect ConnectFunc, onMessage MessageFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := ws.session(ctx, onConnect, onMessage)
		ws.circuit.Store(int32(CircuitOpen))
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reason := "error"
		var wait time.Duration
		if errors.Is(err, ErrIdle) {
			reason = "idle"
			ws.logger.Warn("no messages within idle timeout, reconnecting",
				zap.Duration("idle_timeout", ws.cfg.IdleTimeout))
		} else {
			wait = ws.bo.NextBackOff()
			if wait == backoff.Stop {
				wait = ws.cfg.ReconnectBackoff
			}
			ws.logger.Warn("connection failed, reconnecting",
				zap.Error(err), zap.Duration("retry_in", wait))
		}
		metrics.ReconnectsTotal.WithLabelValues(reason).Inc()
		if ws.onReconnect != nil {
			ws.onReconnect(reason)
		}

		if wait > 0 {
			if err := ws.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

type frame struct {
	msg []byte
	err error
}

// session runs one connection from dial to failure.
func (ws *WSClient) session(ctx context.Context, onConnect ConnectFunc, onMessage MessageFunc) error {
	var headers http.Header
	if ws.cfg.Headers != nil {
		h, err := ws.cfg.Headers()
		if err != nil {
			return fmt.Errorf("ws: headers: %w", err)
		}
		headers = h
	}

	conn, err := ws.dialer.Dial(ctx, ws.cfg.URL, headers)
	if err != nil {
		return fmt.Errorf("ws: dial: %w", err)
	}
	defer conn.Close()

	if onConnect != nil {
		if err := onConnect(ctx, conn); err != nil {
			return fmt.Errorf("ws: on connect: %w", err)
		}
	}
	ws.circuit.Store(int32(CircuitClosed))
	ws.bo.Reset()
	ws.logger.Info("connected", zap.String("url", ws.cfg.URL))

	done := make(chan struct{})
	defer close(done)

	frames := make(chan frame, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			select {
			case frames <- frame{msg: msg, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(ws.cfg.ReadTimeout)
	defer ticker.Stop()

	lastAccepted := ws.nowFunc()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			if f.err != nil {
				return fmt.Errorf("ws: read: %w", f.err)
			}
			if onMessage(f.msg) {
				lastAccepted = ws.nowFunc()
			}
		case <-ticker.C:
			if ws.nowFunc().Sub(lastAccepted) >= ws.cfg.IdleTimeout {
				return ErrIdle
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// gorillaDialer establishes the WebSocket connection with TCP_NODELAY enabled.
type gorillaDialer struct {
	readBuf, writeBuf int
}

func (g *gorillaDialer) Dial(ctx context.Context, url string, headers http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   g.readBuf,
		WriteBufferSize:  g.writeBuf,
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
