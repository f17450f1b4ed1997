// Package kms decrypts the venue signing key, which is stored on disk only as
// a KMS ciphertext blob.
package kms

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// ErrEmptyKey is returned when a key file or its plaintext is empty.
var ErrEmptyKey = errors.New("kms: empty key")

// API is the subset of the KMS SDK client used here.
type API interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Options selects the KMS endpoint. Endpoint is for LocalStack and switches
// to static test credentials; production uses the default credential chain.
type Options struct {
	Region   string
	Endpoint string
	// EncryptionContext must match the context the key was encrypted with.
	EncryptionContext map[string]string
}

// Client unwraps encrypted key files.
type Client struct {
	api  API
	encc map[string]string
}

// New loads AWS configuration for opts and returns a Client.
func New(ctx context.Context, opts Options) (*Client, error) {
	load := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		load = append(load, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, fmt.Errorf("kms: aws config: %w", err)
	}

	api := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &Client{api: api, encc: opts.EncryptionContext}, nil
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api API) *Client {
	return &Client{api: api}
}

// Decrypt returns the plaintext of blob. The caller owns the returned bytes
// and should wipe them once sealed.
func (c *Client) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	out, err := c.api.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    blob,
		EncryptionContext: c.encc,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	if len(out.Plaintext) == 0 {
		return nil, ErrEmptyKey
	}
	return out.Plaintext, nil
}

// LoadKey reads the ciphertext at path and decrypts it.
func (c *Client) LoadKey(ctx context.Context, path string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kms: read %s: %w", path, err)
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyKey, path)
	}
	return c.Decrypt(ctx, blob)
}
