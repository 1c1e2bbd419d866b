package metering_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmforge/metering/pkg/metering"
)

func mustPeriod(t *testing.T, now time.Time, unit metering.PeriodUnit, policy metering.ResetPolicy) metering.Period {
	t.Helper()
	p, err := metering.CalculatePeriod(now, unit, policy)
	require.NoError(t, err)
	return p
}

func TestCalculatePeriod_RollingStartsAtNow(t *testing.T) {
	now := time.Date(2024, time.March, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		unit metering.PeriodUnit
		end  time.Time
	}{
		{"daily", metering.UnitDaily, now.AddDate(0, 0, 1)},
		{"weekly", metering.UnitWeekly, now.AddDate(0, 0, 7)},
		{"monthly", metering.UnitMonthly, time.Date(2024, time.April, 15, 10, 30, 0, 0, time.UTC)},
		{"yearly", metering.UnitYearly, time.Date(2025, time.March, 15, 10, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustPeriod(t, now, tt.unit, metering.ResetRolling)
			assert.Equal(t, now, p.Start)
			assert.Equal(t, tt.end, p.End)
		})
	}
}

func TestCalculatePeriod_RollingMonthlyJan31(t *testing.T) {
	// Calendar month arithmetic, not a fixed 30-day approximation:
	// Jan 31 + 1 month lands on the last valid day of February.
	now := time.Date(2023, time.January, 31, 12, 0, 0, 0, time.UTC)
	p := mustPeriod(t, now, metering.UnitMonthly, metering.ResetRolling)
	assert.Equal(t, time.Date(2023, time.February, 28, 12, 0, 0, 0, time.UTC), p.End)

	leap := time.Date(2024, time.January, 31, 12, 0, 0, 0, time.UTC)
	p = mustPeriod(t, leap, metering.UnitMonthly, metering.ResetRolling)
	assert.Equal(t, time.Date(2024, time.February, 29, 12, 0, 0, 0, time.UTC), p.End)
}

func TestCalculatePeriod_RollingYearlyFeb29(t *testing.T) {
	now := time.Date(2024, time.February, 29, 8, 0, 0, 0, time.UTC)
	p := mustPeriod(t, now, metering.UnitYearly, metering.ResetRolling)
	assert.Equal(t, time.Date(2025, time.February, 28, 8, 0, 0, 0, time.UTC), p.End)
}

func TestCalculatePeriod_CalendarDay(t *testing.T) {
	now := time.Date(2024, time.June, 10, 15, 45, 12, 0, time.UTC)
	p := mustPeriod(t, now, metering.UnitDaily, metering.ResetCalendar)
	assert.Equal(t, time.Date(2024, time.June, 10, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2024, time.June, 10, 23, 59, 59, 999000000, time.UTC), p.End)
}

func TestCalculatePeriod_CalendarWeekSundayAligned(t *testing.T) {
	// 2024-06-12 is a Wednesday; the containing week is Jun 9 (Sun) - Jun 15 (Sat).
	now := time.Date(2024, time.June, 12, 9, 0, 0, 0, time.UTC)
	p := mustPeriod(t, now, metering.UnitWeekly, metering.ResetCalendar)
	assert.Equal(t, time.Date(2024, time.June, 9, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2024, time.June, 15, 23, 59, 59, 999000000, time.UTC), p.End)
	assert.Equal(t, time.Sunday, p.Start.Weekday())

	// A Sunday belongs to the week it starts.
	sunday := time.Date(2024, time.June, 9, 3, 0, 0, 0, time.UTC)
	p = mustPeriod(t, sunday, metering.UnitWeekly, metering.ResetCalendar)
	assert.Equal(t, time.Date(2024, time.June, 9, 0, 0, 0, 0, time.UTC), p.Start)
}

func TestCalculatePeriod_CalendarMonthJan31(t *testing.T) {
	now := time.Date(2023, time.January, 31, 18, 0, 0, 0, time.UTC)
	p := mustPeriod(t, now, metering.UnitMonthly, metering.ResetCalendar)
	assert.Equal(t, time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2023, time.January, 31, 23, 59, 59, 999000000, time.UTC), p.End)
}

func TestCalculatePeriod_CalendarMonthLeapFebruary(t *testing.T) {
	now := time.Date(2024, time.February, 10, 0, 0, 0, 0, time.UTC)
	p := mustPeriod(t, now, metering.UnitMonthly, metering.ResetCalendar)
	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2024, time.February, 29, 23, 59, 59, 999000000, time.UTC), p.End)

	nonLeap := time.Date(2023, time.February, 10, 0, 0, 0, 0, time.UTC)
	p = mustPeriod(t, nonLeap, metering.UnitMonthly, metering.ResetCalendar)
	assert.Equal(t, time.Date(2023, time.February, 28, 23, 59, 59, 999000000, time.UTC), p.End)
}

func TestCalculatePeriod_CalendarYear(t *testing.T) {
	now := time.Date(2024, time.December, 31, 23, 0, 0, 0, time.UTC)
	p := mustPeriod(t, now, metering.UnitYearly, metering.ResetCalendar)
	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2024, time.December, 31, 23, 59, 59, 999000000, time.UTC), p.End)
}

func TestCalculatePeriod_InvalidUnit(t *testing.T) {
	_, err := metering.CalculatePeriod(time.Now(), metering.PeriodUnit("hourly"), metering.ResetRolling)
	assert.ErrorIs(t, err, metering.ErrInvalidUnit)
}

func TestPeriod_HalfOpenSemantics(t *testing.T) {
	start := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	p := metering.Period{Start: start, End: end}

	assert.True(t, p.Contains(start))
	assert.False(t, p.Contains(end))
	assert.False(t, p.Expired(end.Add(-time.Nanosecond)))
	assert.True(t, p.Expired(end))
	assert.True(t, p.Expired(end.Add(time.Hour)))
}
