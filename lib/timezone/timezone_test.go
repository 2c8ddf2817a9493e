package timezone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDayKey(t *testing.T) {
	// 23:30 UTC is already the next day in IST (+05:30)
	utc := time.Date(2024, 7, 19, 23, 30, 0, 0, time.UTC)
	require.Equal(t, "2024-07-20", DayKey(utc))

	ist := time.Date(2024, 7, 19, 10, 0, 0, 0, Location)
	require.Equal(t, "2024-07-19", DayKey(ist))
}

func TestNextDayStart(t *testing.T) {
	ist := time.Date(2024, 7, 19, 23, 59, 59, 0, Location)
	next := NextDayStart(ist)
	require.Equal(t, "2024-07-20", DayKey(next))
	require.Equal(t, 0, next.Hour())
	require.Equal(t, 0, next.Minute())
}
