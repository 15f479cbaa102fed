package schedule

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-reconciler/internal/gtfs"
)

func montreal(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Montreal")
	require.NoError(t, err)
	return loc
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		h, m, s int
		wantErr error
	}{
		{name: "regular", in: "08:15:30", h: 8, m: 15, s: 30},
		{name: "past midnight", in: "25:15:00", h: 25, m: 15, s: 0},
		{name: "single digit hour", in: "7:05:00", h: 7, m: 5, s: 0},
		{name: "padded", in: " 12:00:00 ", h: 12},
		{name: "two fields", in: "12:00", wantErr: ErrFieldCount},
		{name: "four fields", in: "12:00:00:00", wantErr: ErrFieldCount},
		{name: "empty", in: "", wantErr: ErrFieldCount},
		{name: "letters", in: "ab:00:00", wantErr: ErrNotNumeric},
		{name: "minutes overflow", in: "12:60:00", wantErr: ErrOutOfRange},
		{name: "negative", in: "-1:00:00", wantErr: ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, m, s, err := ParseClock(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, [3]int{tt.h, tt.m, tt.s}, [3]int{h, m, s})
		})
	}
}

func TestToInstant(t *testing.T) {
	loc := montreal(t)
	date := gtfs.ServiceDate{Year: 2023, Month: time.December, Day: 1}

	tests := []struct {
		clock string
		want  time.Time
	}{
		{"08:00:00", time.Date(2023, 12, 1, 8, 0, 0, 0, loc)},
		{"23:59:59", time.Date(2023, 12, 1, 23, 59, 59, 0, loc)},
		{"24:30:00", time.Date(2023, 12, 2, 0, 30, 0, 0, loc)},
		{"25:15:00", time.Date(2023, 12, 2, 1, 15, 0, 0, loc)},
		{"48:00:00", time.Date(2023, 12, 3, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		got, err := ToInstant(tt.clock, date, loc)
		require.NoError(t, err, tt.clock)
		assert.Equal(t, tt.want.Unix(), got, tt.clock)
	}
}

func TestToInstantUsesTimezone(t *testing.T) {
	date := gtfs.ServiceDate{Year: 2023, Month: time.December, Day: 1}
	utc, err := ToInstant("12:00:00", date, time.UTC)
	require.NoError(t, err)
	local, err := ToInstant("12:00:00", date, montreal(t))
	require.NoError(t, err)
	// EST is UTC-5 in December.
	assert.Equal(t, int64(5*3600), local-utc)
}

func TestNormalize(t *testing.T) {
	loc := montreal(t)
	date := gtfs.ServiceDate{Year: 2023, Month: time.December, Day: 1}
	rows := []gtfs.StopTimeRow{
		{TripID: "20", StopID: "B", StopSequence: 2, ArrivalTime: "24:30:00", RouteID: "51"},
		{TripID: "20", StopID: "A", StopSequence: 1, ArrivalTime: "23:59:00", RouteID: "51"},
		{TripID: "3", StopID: "C", StopSequence: 1, ArrivalTime: "bad"},
		{TripID: "3", StopID: "D", StopSequence: 2, ArrivalTime: "10:00:00"},
		{TripID: "3", StopID: "D2", StopSequence: 2, ArrivalTime: "10:01:00"},
	}

	visits, warnings := Normalize(rows, date, loc)

	require.Len(t, visits, 3)
	assert.Equal(t, "3", visits[0].TripID)
	assert.Equal(t, "D", visits[0].StopID)
	assert.Equal(t, "20", visits[1].TripID)
	assert.Equal(t, 1, visits[1].StopSequence)
	assert.Equal(t, 2, visits[2].StopSequence)
	assert.Equal(t, time.Date(2023, 12, 2, 0, 30, 0, 0, loc).Unix(), visits[2].ArrivalInstant)
	assert.Equal(t, "51", visits[2].RouteID)

	require.Len(t, warnings, 2)
	var perr *ParseError
	require.True(t, errors.As(warnings[0], &perr))
	assert.Equal(t, "3", perr.TripID)
	assert.Equal(t, "C", perr.StopID)
	assert.ErrorIs(t, warnings[0], ErrFieldCount)

	var dup *DuplicateVisit
	require.True(t, errors.As(warnings[1], &dup))
	assert.Equal(t, 2, dup.StopSequence)
}

func TestNormalizeSkipsUntimedStops(t *testing.T) {
	date := gtfs.ServiceDate{Year: 2023, Month: time.December, Day: 1}
	rows := []gtfs.StopTimeRow{
		{TripID: "7", StopID: "A", StopSequence: 1, ArrivalTime: "08:00:00"},
		{TripID: "7", StopID: "B", StopSequence: 2, ArrivalTime: ""},
		{TripID: "7", StopID: "C", StopSequence: 3, ArrivalTime: "  "},
		{TripID: "7", StopID: "D", StopSequence: 4, ArrivalTime: "8h10"},
		{TripID: "7", StopID: "E", StopSequence: 5, ArrivalTime: "08:20:00"},
	}

	visits, warnings := Normalize(rows, date, montreal(t))

	require.Len(t, visits, 2)
	assert.Equal(t, "A", visits[0].StopID)
	assert.Equal(t, "E", visits[1].StopID)
	require.Len(t, warnings, 1, "only the malformed time is reported")
	var perr *ParseError
	require.True(t, errors.As(warnings[0], &perr))
	assert.Equal(t, "D", perr.StopID)
}

func TestIndex(t *testing.T) {
	idx := NewIndex([]gtfs.ScheduledStopVisit{
		{TripID: "1", StopSequence: 1, ArrivalInstant: 100},
		{TripID: "1", StopSequence: 2, ArrivalInstant: 200},
		{TripID: "1", StopSequence: 3, ArrivalInstant: 300},
		{TripID: "2", StopSequence: 5, ArrivalInstant: 500},
	})

	v, ok := idx.Lookup("1", 2)
	require.True(t, ok)
	assert.Equal(t, int64(200), v.ArrivalInstant)

	_, ok = idx.Lookup("1", 4)
	assert.False(t, ok)

	assert.True(t, idx.IsLastStop("1", 3))
	assert.False(t, idx.IsLastStop("1", 2))
	assert.True(t, idx.IsLastStop("2", 5))
	assert.False(t, idx.IsLastStop("9", 1))
	assert.Equal(t, 4, idx.Len())
	assert.Equal(t, 2, idx.Trips())
}
