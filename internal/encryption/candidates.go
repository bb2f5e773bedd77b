package encryption

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// KeyProvider yields candidate keys in the order they should be tried.
type KeyProvider interface {
	Candidates(ctx context.Context) ([]Key, error)
}

type KeyProviderFunc func(ctx context.Context) ([]Key, error)

func (f KeyProviderFunc) Candidates(ctx context.Context) ([]Key, error) {
	return f(ctx)
}

// StaticKeys is a fixed candidate list.
type StaticKeys []Key

func (k StaticKeys) Candidates(context.Context) ([]Key, error) {
	return k, nil
}

// DecryptWithCandidates walks providers in order and stops at the first key
// that authenticates the envelope. Provider errors abort the walk.
func (s *Service) DecryptWithCandidates(ctx context.Context, data []byte, providers ...KeyProvider) ([]byte, Key, error) {
	tried := 0
	var lastErr error

	for _, provider := range providers {
		if provider == nil {
			continue
		}
		keys, err := provider.Candidates(ctx)
		if err != nil {
			return nil, Key{}, err
		}

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return nil, Key{}, err
			}
			if !key.Valid() {
				continue
			}
			tried++

			plaintext, err := s.Decrypt(data, key)
			if err == nil {
				s.log.Debug("payload decrypted",
					zap.String("key_source", string(key.Source)),
					zap.Int("attempts", tried),
				)
				return plaintext, key, nil
			}

			lastErr = err
			var decErr *DecryptionError
			if errors.As(err, &decErr) && errors.Is(decErr.Err, ErrInvalidEnvelope) {
				// the payload itself is malformed, other keys cannot help
				return nil, Key{}, &DecryptionError{Tried: tried, Err: decErr.Err}
			}
		}
	}

	if tried == 0 {
		return nil, Key{}, &DecryptionError{Tried: 0, Err: ErrNoCandidates}
	}

	var decErr *DecryptionError
	if errors.As(lastErr, &decErr) {
		lastErr = decErr.Err
	}
	return nil, Key{}, &DecryptionError{Tried: tried, Err: lastErr}
}
