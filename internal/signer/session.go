// Package signer holds the venue API key in locked memory and produces
// request signatures.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrInvalidKey      = errors.New("invalid private key")
)

// Session holds an RSA private key sealed in a memguard Enclave. The key is
// only decrypted for the duration of a Sign call.
type Session struct {
	mu       sync.RWMutex
	enclave  *memguard.Enclave
	apiKeyID string
}

// NewSession validates pemBytes as an RSA private key (PKCS#8 or PKCS#1),
// seals it, and wipes pemBytes.
func NewSession(apiKeyID string, pemBytes []byte) (*Session, error) {
	defer memguard.WipeBytes(pemBytes)

	if apiKeyID == "" {
		return nil, fmt.Errorf("%w: empty api key id", ErrInvalidKey)
	}
	if _, err := parseRSA(pemBytes); err != nil {
		return nil, err
	}

	// NewEnclave copies and wipes its argument, so seal a private copy.
	sealed := make([]byte, len(pemBytes))
	copy(sealed, pemBytes)

	return &Session{
		enclave:  memguard.NewEnclave(sealed),
		apiKeyID: apiKeyID,
	}, nil
}

// APIKeyID returns the public key identifier sent alongside signatures.
func (s *Session) APIKeyID() string {
	return s.apiKeyID
}

// Sign opens the enclave momentarily and returns the base64 RSA-PSS SHA-256
// signature of message.
func (s *Session) Sign(message string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.enclave == nil {
		return "", ErrNoActiveSession
	}

	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open enclave: %w", err)
	}
	key, err := parseRSA(buf.Bytes())
	buf.Destroy()
	if err != nil {
		return "", err
	}

	h := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, h[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("rsa-pss sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Destroy drops the sealed key. Subsequent Sign calls fail.
func (s *Session) Destroy() {
	s.mu.Lock()
	s.enclave = nil
	s.mu.Unlock()
}

func parseRSA(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is not RSA", ErrInvalidKey)
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return rsaKey, nil
}
