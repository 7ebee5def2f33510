package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconnectDelaySchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 5 * time.Second},
		{4, 10 * time.Second},
		{5, 10 * time.Second},
		{6, 30 * time.Second},
		{12, 30 * time.Second},
		{13, time.Minute},
		{100, time.Minute},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, reconnectDelay(tc.attempt), "attempt %d", tc.attempt)
	}
}
