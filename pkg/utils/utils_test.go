package utils

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_StopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	retries := 0
	err := Retry(context.Background(), 2, 0, func(int, error) { retries++ }, func() error {
		calls++
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, retries)
}

func TestRetry_SucceedsOnSecondAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, 0, nil, func() error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestIDGenerator_TradeIDsAreUnique(t *testing.T) {
	gen, err := NewIDGenerator(1)
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := gen.NextTradeID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate trade id %s", id)
		seen[id] = struct{}{}
	}
	assert.NotEmpty(t, gen.NextOrderID())
}
