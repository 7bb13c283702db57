package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestDailyAcrossSpringForward(t *testing.T) {
	ref := mustParse(t, "2024-03-09T08:59:00-06:00")

	first, ok, err := Next(domain.DailyAt, "09:00", "America/Chicago", ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, first.Equal(mustParse(t, "2024-03-09T09:00:00-06:00")), "got %s", first)

	second, _, err := Next(domain.DailyAt, "09:00", "America/Chicago", first)
	require.NoError(t, err)
	assert.True(t, second.Equal(mustParse(t, "2024-03-10T09:00:00-05:00")), "got %s", second)
	_, offset := second.Zone()
	assert.Equal(t, -5*3600, offset)
}

func TestDailyProperties(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	refs := []time.Time{
		time.Date(2024, 1, 15, 0, 0, 0, 0, loc),
		time.Date(2024, 1, 15, 6, 30, 0, 0, loc),
		time.Date(2024, 1, 15, 6, 30, 0, 1, loc),
		time.Date(2024, 1, 15, 23, 59, 59, 0, loc),
		time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC),
	}
	for _, ref := range refs {
		next, ok, err := Next(domain.DailyAt, "06:30", "Europe/Berlin", ref)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, next.After(ref), "next %s not after %s", next, ref)
		assert.LessOrEqual(t, next.Sub(ref), 24*time.Hour)
		local := next.In(loc)
		assert.Equal(t, 6, local.Hour())
		assert.Equal(t, 30, local.Minute())
	}
}

func TestWeekly(t *testing.T) {
	tests := []struct {
		name  string
		value string
		ref   string
		want  string
	}{
		{"midweek to friday", "MON,FRI:17:00", "2024-01-03T10:00:00Z", "2024-01-05T17:00:00Z"},
		{"friday evening wraps to monday", "MON,FRI:17:00", "2024-01-05T18:00:00Z", "2024-01-08T17:00:00Z"},
		{"same day still ahead", "FRI,MON:17:00", "2024-01-05T16:59:00Z", "2024-01-05T17:00:00Z"},
		{"single day wraps a full week", "WED:10:00", "2024-01-03T10:00:00Z", "2024-01-10T10:00:00Z"},
		{"default time", "tue", "2024-01-01T12:00:00Z", "2024-01-02T09:00:00Z"},
		{"sunday next", "SUN:00:00", "2024-01-06T23:59:00Z", "2024-01-07T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Next(domain.WeeklyAt, tt.value, "UTC", mustParse(t, tt.ref))
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(mustParse(t, tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestWeeklyInZone(t *testing.T) {
	// Wednesday 10:00 in New York is Wednesday 15:00 UTC.
	ref := mustParse(t, "2024-07-03T15:00:00Z")
	got, _, err := Next(domain.WeeklyAt, "MON,FRI:17:00", "America/New_York", ref)
	require.NoError(t, err)
	assert.True(t, got.Equal(mustParse(t, "2024-07-05T17:00:00-04:00")), "got %s", got)
}

func TestCronScenario(t *testing.T) {
	got, ok, err := Next(domain.CronExpr, "0 */4 * * *", "UTC", mustParse(t, "2024-01-01T05:13:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(mustParse(t, "2024-01-01T08:00:00Z")), "got %s", got)
}

func TestOneOffHasNoNext(t *testing.T) {
	_, ok, err := Next(domain.OneOff, "", "UTC", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformed(t *testing.T) {
	tests := []struct {
		kind  domain.RecurrenceKind
		value string
		tz    string
	}{
		{domain.DailyAt, "25:00", "UTC"},
		{domain.DailyAt, "9:5", "UTC"},
		{domain.DailyAt, "0900", "UTC"},
		{domain.DailyAt, "", "UTC"},
		{domain.DailyAt, "09:00", "Mars/Olympus_Mons"},
		{domain.WeeklyAt, "XYZ:10:00", "UTC"},
		{domain.WeeklyAt, ":10:00", "UTC"},
		{domain.WeeklyAt, "MON:10", "UTC"},
		{domain.CronExpr, "* * * *", "UTC"},
		{domain.CronExpr, "60 * * * *", "UTC"},
		{domain.CronExpr, "*/0 * * * *", "UTC"},
		{domain.CronExpr, "59/9223372036854775807 * * * *", "UTC"},
		{domain.CronExpr, "0 0 */31 * *", "UTC"},
		{domain.CronExpr, "5-1 * * * *", "UTC"},
		{domain.CronExpr, "* * 0 * *", "UTC"},
		{domain.CronExpr, "* * * 13 *", "UTC"},
		{domain.CronExpr, "1,,2 * * * *", "UTC"},
		{domain.RecurrenceKind("hourly"), "x", "UTC"},
	}
	for _, tt := range tests {
		_, _, err := Next(tt.kind, tt.value, tt.tz, time.Now())
		assert.ErrorIs(t, err, ErrMalformed, "%s %q %s", tt.kind, tt.value, tt.tz)
		assert.ErrorIs(t, Validate(tt.kind, tt.value, tt.tz), ErrMalformed, "%s %q", tt.kind, tt.value)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(domain.OneOff, "", "UTC"))
	assert.ErrorIs(t, Validate(domain.OneOff, "09:00", "UTC"), ErrMalformed)
	assert.NoError(t, Validate(domain.DailyAt, "7:05", ""))
	assert.NoError(t, Validate(domain.WeeklyAt, "mon, wed ,fri", "Asia/Tokyo"))
	assert.NoError(t, Validate(domain.CronExpr, "*/15 9-17 * JAN-MAR MON-FRI", "America/Chicago"))
}

func TestPreview(t *testing.T) {
	got, err := Preview(domain.DailyAt, "12:00", "UTC", mustParse(t, "2024-01-01T13:00:00Z"), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Equal(mustParse(t, "2024-01-02T12:00:00Z")))
	assert.True(t, got[2].Equal(mustParse(t, "2024-01-04T12:00:00Z")))

	got, err = Preview(domain.OneOff, "", "UTC", time.Now(), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
