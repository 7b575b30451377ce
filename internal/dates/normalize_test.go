package dates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func moscow(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	return loc
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	loc := moscow(t)
	now := time.Date(2024, time.March, 15, 12, 0, 0, 0, loc)

	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"full date with time", "12 Mar 2023 at 5:07 pm", time.Date(2023, time.March, 12, 17, 7, 0, 0, loc)},
		{"full date long month", "3 September 2021", time.Date(2021, time.September, 3, 0, 0, 0, 0, loc)},
		{"full date 24h", "1 jan 2020 at 23:59", time.Date(2020, time.January, 1, 23, 59, 0, 0, loc)},
		{"noon pm stays", "1 jan 2020 at 12:15 pm", time.Date(2020, time.January, 1, 12, 15, 0, 0, loc)},
		{"midnight am", "1 jan 2020 at 12:15 am", time.Date(2020, time.January, 1, 0, 15, 0, 0, loc)},
		{"current year", "10 mar at 9:05 am", time.Date(2024, time.March, 10, 9, 5, 0, 0, loc)},
		{"within slack stays", "16 mar at 11:00 am", time.Date(2024, time.March, 16, 11, 0, 0, 0, loc)},
		{"future rolls back", "20 dec at 8:00 pm", time.Date(2023, time.December, 20, 20, 0, 0, 0, loc)},
		{"day only", "2 feb", time.Date(2024, time.February, 2, 0, 0, 0, 0, loc)},
		{"day only future", "30 apr", time.Date(2023, time.April, 30, 0, 0, 0, 0, loc)},
		{"today", "today at 7:45", time.Date(2024, time.March, 15, 7, 45, 0, 0, loc)},
		{"yesterday pm", "yesterday at 10:30pm", time.Date(2024, time.March, 14, 22, 30, 0, 0, loc)},
		{"hours ago", "2 hours ago", now.Add(-2 * time.Hour)},
		{"spelled minutes", "five minutes ago", now.Add(-5 * time.Minute)},
		{"one hour", "One hour ago", now.Add(-time.Hour)},
		{"padded", "   3 minutes ago  ", now.Add(-3 * time.Minute)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want.Unix(), Normalize(tc.in, now, loc))
		})
	}
}

func TestNormalizeUnknown(t *testing.T) {
	t.Parallel()

	loc := moscow(t)
	now := time.Date(2024, time.March, 15, 12, 0, 0, 0, loc)
	for _, in := range []string{
		"",
		"   ",
		"just now",
		"31 feb 2024",
		"12 foo 2024",
		"1 jan 2024 at 25:00",
		"eleven hours ago",
		"вчера в 10:30",
	} {
		require.Zero(t, Normalize(in, now, loc), "input %q", in)
	}
}

func TestYesterdayCrossesMonth(t *testing.T) {
	t.Parallel()

	loc := moscow(t)
	now := time.Date(2024, time.March, 1, 8, 0, 0, 0, loc)
	want := time.Date(2024, time.February, 29, 23, 10, 0, 0, loc)
	require.Equal(t, want.Unix(), Normalize("yesterday at 11:10 pm", now, loc))
}

func TestNormalizerUsesClock(t *testing.T) {
	t.Parallel()

	loc := moscow(t)
	now := time.Date(2024, time.June, 1, 10, 0, 0, 0, loc)
	n := NewNormalizer(loc, fixedClock{t: now})
	require.Equal(t, now.Add(-2*time.Hour).Unix(), n.Normalize("2 hours ago"))
	require.Equal(t, loc, n.Location())

	require.Equal(t, time.UTC, NewNormalizer(nil, nil).Location())
}
