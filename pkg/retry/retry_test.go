package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxTries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		return errors.New("still locked")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsPermanentErrorImmediately(t *testing.T) {
	sentinel := errors.New("corrupt")
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}
