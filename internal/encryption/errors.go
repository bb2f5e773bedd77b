package encryption

import (
	"errors"
	"fmt"
)

var (
	ErrDecryption      = errors.New("decryption_failed")
	ErrInvalidKey      = errors.New("invalid_key")
	ErrInvalidEnvelope = errors.New("invalid_envelope")
	ErrNoCandidates    = errors.New("no_candidate_keys")
)

// DecryptionError reports that no key authenticated the payload.
type DecryptionError struct {
	Tried int
	Err   error
}

func (e *DecryptionError) Error() string {
	if e.Tried > 1 {
		return fmt.Sprintf("decryption failed after %d candidate keys: %v", e.Tried, e.Err)
	}
	return fmt.Sprintf("decryption failed: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}
