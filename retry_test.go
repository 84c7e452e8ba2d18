package acmeguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchWithRetryReturnsFirstValue(t *testing.T) {
	got, err := FetchWithRetry(context.Background(), func(context.Context) (int, bool, error) {
		return 42, true, nil
	})

	require.NoError(t, err)
	require.Equal(t, 42, got)
}

func TestFetchWithRetryRetriesOnFalse(t *testing.T) {
	attempts := 0

	got, err := FetchWithRetry(context.Background(), func(context.Context) (int, bool, error) {
		attempts++
		if attempts < 3 {
			return 0, false, nil
		}

		return 7, true, nil
	})

	require.NoError(t, err)
	require.Equal(t, 7, got)
	require.Equal(t, 3, attempts)
}

func TestFetchWithRetryPropagatesOtherErrors(t *testing.T) {
	sentinel := &AcmeProtocol{Operation: "poll", Err: errString("boom")}

	_, err := FetchWithRetry(context.Background(), func(context.Context) (int, bool, error) {
		return 0, false, sentinel
	})

	require.Equal(t, sentinel, err)
}

func TestFetchWithRetryHonorsRetryAfter(t *testing.T) {
	deadline := time.Now().Add(20 * time.Millisecond)
	attempts := 0

	got, err := FetchWithRetry(context.Background(), func(context.Context) (int, bool, error) {
		attempts++
		if attempts == 1 {
			return 0, false, &AcmeRetryAfter{RetryAfter: deadline}
		}

		return 1, true, nil
	})

	require.NoError(t, err)
	require.Equal(t, 1, got)
	require.True(t, time.Now().After(deadline) || time.Now().Equal(deadline))
}

func TestFetchWithRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FetchWithRetry(ctx, func(context.Context) (int, bool, error) {
		return 0, false, nil
	})

	require.ErrorIs(t, err, context.Canceled)
}

type errString string

func (e errString) Error() string { return string(e) }
