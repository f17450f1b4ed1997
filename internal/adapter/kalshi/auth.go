package kalshi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// WSPath is the signed path of the WebSocket upgrade request.
const WSPath = "/trade-api/ws/v2"

// Signer produces base64 RSA-PSS signatures for venue requests. Satisfied by
// *signer.Session.
type Signer interface {
	APIKeyID() string
	Sign(message string) (string, error)
}

var nowFunc = time.Now

// AuthHeaders computes the KALSHI-ACCESS-* headers for one request. The
// signed message is timestamp(ms) + METHOD + path, with path excluding any
// query string.
func AuthHeaders(s Signer, method, path string) (http.Header, error) {
	ts := strconv.FormatInt(nowFunc().UnixMilli(), 10)
	sig, err := s.Sign(ts + method + path)
	if err != nil {
		return nil, fmt.Errorf("kalshi: sign: %w", err)
	}

	headers := http.Header{}
	headers.Set("KALSHI-ACCESS-KEY", s.APIKeyID())
	headers.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	headers.Set("KALSHI-ACCESS-SIGNATURE", sig)
	return headers, nil
}

// WSHeaders returns a HeaderFunc for the WebSocket handshake, signing afresh
// on every dial.
func WSHeaders(s Signer) func() (http.Header, error) {
	return func() (http.Header, error) {
		return AuthHeaders(s, http.MethodGet, WSPath)
	}
}
