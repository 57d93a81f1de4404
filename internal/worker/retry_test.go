package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

func TestRetryDecision(t *testing.T) {
	t.Parallel()

	server := harvest.NewFetchError(harvest.KindServer, 503, nil)
	cases := []struct {
		name       string
		err        error
		attempt    int
		maxRetries int
		wantDelay  time.Duration
		wantRetry  bool
	}{
		{"first retry", server, 1, 3, time.Second, true},
		{"second retry doubles", server, 2, 3, 2 * time.Second, true},
		{"third retry", server, 3, 3, 4 * time.Second, true},
		{"budget exhausted", server, 4, 3, 0, false},
		{"no retries configured", server, 1, 0, 0, false},
		{"stall retried", harvest.NewFetchError(harvest.KindStalled, 0, nil), 1, 1, time.Second, true},
		{"read timeout retried", harvest.NewFetchError(harvest.KindTimeoutRead, 0, nil), 1, 1, time.Second, true},
		{"client error final", harvest.NewFetchError(harvest.KindClient, 404, nil), 1, 3, 0, false},
		{"too large final", harvest.NewFetchError(harvest.KindTooLarge, 200, nil), 1, 3, 0, false},
		{"cancelled final", harvest.NewFetchError(harvest.KindCancelled, 0, context.Canceled), 1, 3, 0, false},
		{"plain error is transport", errors.New("connection reset"), 1, 3, time.Second, true},
		{"nil error", nil, 1, 3, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			delay, retry := RetryDecision(tc.err, tc.attempt, tc.maxRetries, time.Second)
			require.Equal(t, tc.wantRetry, retry)
			require.Equal(t, tc.wantDelay, delay)
		})
	}
}

func TestRetryDecisionCapsShift(t *testing.T) {
	t.Parallel()

	delay, ok := RetryDecision(harvest.NewFetchError(harvest.KindServer, 500, nil), 100, 200, time.Millisecond)
	require.True(t, ok)
	require.Equal(t, time.Millisecond<<maxBackoffShift, delay)

	delay, ok = RetryDecision(harvest.NewFetchError(harvest.KindServer, 500, nil), 1, 1, 0)
	require.True(t, ok)
	require.Zero(t, delay)
}
