package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"github.com/smallbiznis/licensegate/pkg/retry"
	"go.uber.org/zap"
)

const envelopeVersion = 1

type envelope struct {
	Version    int    `json:"v"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Service seals payloads with AES-256-GCM. The output is a small JSON envelope
// so the version and nonce travel with the ciphertext.
type Service struct {
	log   *zap.Logger
	nonce io.Reader
	retry retry.Policy
}

type Option func(*Service)

// WithNonceReader replaces crypto/rand, mainly so tests can produce stable output.
func WithNonceReader(r io.Reader) Option {
	return func(s *Service) {
		if r != nil {
			s.nonce = r
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log.Named("encryption")
		}
	}
}

func New(opts ...Option) *Service {
	s := &Service{
		log:   zap.NewNop(),
		nonce: rand.Reader,
		retry: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Encrypt(ctx context.Context, plaintext []byte, key Key) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := io.ReadFull(s.nonce, nonce)
		return err
	})
	if err != nil {
		s.log.Warn("nonce generation failed", zap.Error(err))
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return json.Marshal(envelope{
		Version:    envelopeVersion,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	})
}

// Decrypt opens an envelope. A wrong key fails authentication and returns
// a *DecryptionError, never partial plaintext.
func (s *Service) Decrypt(data []byte, key Key) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecryptionError{Tried: 1, Err: fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)}
	}
	if env.Version != envelopeVersion || len(env.Nonce) != aead.NonceSize() {
		return nil, &DecryptionError{Tried: 1, Err: ErrInvalidEnvelope}
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{Tried: 1, Err: err}
	}
	return plaintext, nil
}

func newAEAD(key Key) (cipher.AEAD, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key.material)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
