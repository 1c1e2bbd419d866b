package metering

import "time"

// calendarEndMargin is subtracted from the next window boundary to produce
// the stored End of a calendar-aligned period (23:59:59.999). The expiry
// check treats the interval as half-open, so the margin only affects the
// persisted representation.
const calendarEndMargin = time.Millisecond

// CalculatePeriod computes the metering window containing now for the given
// unit and reset policy. It is a pure function: all arithmetic is done in UTC
// and no clock is consulted.
//
// Rolling windows start at now and end exactly one unit later using calendar
// date arithmetic, so a monthly window opened on Jan 31 ends on the last
// valid day of February, not 30 days later.
//
// Calendar windows align to the unit's natural boundary: the day containing
// now, the Sunday-through-Saturday week, the calendar month, or the calendar
// year.
func CalculatePeriod(now time.Time, unit PeriodUnit, policy ResetPolicy) (Period, error) {
	if !unit.IsValid() {
		return Period{}, ErrInvalidUnit
	}

	n := now.UTC()
	if policy == ResetCalendar {
		return calendarPeriod(n, unit), nil
	}
	return rollingPeriod(n, unit), nil
}

func rollingPeriod(now time.Time, unit PeriodUnit) Period {
	var end time.Time
	switch unit {
	case UnitDaily:
		end = now.AddDate(0, 0, 1)
	case UnitWeekly:
		end = now.AddDate(0, 0, 7)
	case UnitMonthly:
		end = addMonthsSafe(now, 1)
	case UnitYearly:
		end = addYearsSafe(now, 1)
	}
	return Period{Start: now, End: end}
}

func calendarPeriod(now time.Time, unit PeriodUnit) Period {
	var start, next time.Time
	switch unit {
	case UnitDaily:
		start = startOfDayUTC(now)
		next = start.AddDate(0, 0, 1)
	case UnitWeekly:
		// Weeks run Sunday through Saturday.
		day := startOfDayUTC(now)
		start = day.AddDate(0, 0, -int(day.Weekday()))
		next = start.AddDate(0, 0, 7)
	case UnitMonthly:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		next = start.AddDate(0, 1, 0)
	case UnitYearly:
		start = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		next = start.AddDate(1, 0, 0)
	}
	return Period{Start: start, End: next.Add(-calendarEndMargin)}
}

// addMonthsSafe adds months to a time, handling month-end edge cases.
// Standard Go pattern: use time.Date with day=1 to avoid overflow, then clip
// to the last day of the target month (Jan 31 + 1 month = Feb 28/29).
func addMonthsSafe(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	target := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(target.Year(), target.Month()+1, 0, 0, 0, 0, 0, target.Location()).Day()

	if day > lastDay {
		day = lastDay
	}
	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// addYearsSafe adds years to a time, clipping Feb 29 to Feb 28 in
// non-leap target years.
func addYearsSafe(t time.Time, years int) time.Time {
	return addMonthsSafe(t, years*12)
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
