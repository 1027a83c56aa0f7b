// Package schedule decides whether a moment falls inside a credential's allowed days and hours.
package schedule

import (
	"time"

	"github.com/subsubl/gate-control/internal/models"
)

// DayBit returns the AllowedDays bit for a weekday. Bit 0 is Sunday, bit 6 is Saturday.
func DayBit(d time.Weekday) uint8 {
	return 1 << uint(d)
}

// DaysMask builds an AllowedDays mask from weekdays.
func DaysMask(days ...time.Weekday) uint8 {
	var mask uint8
	for _, d := range days {
		mask |= DayBit(d)
	}
	return mask
}

// MinuteOfDay returns minutes since local midnight of t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsWithinSchedule evaluates c's restrictions against t in t's own location.
// Callers convert t to the gate's time zone first.
func IsWithinSchedule(c models.Credential, t time.Time) bool {
	if c.AllowedDays != 0 && c.AllowedDays&DayBit(t.Weekday()) == 0 {
		return false
	}

	if c.WindowStart == c.WindowEnd {
		return true
	}

	m := MinuteOfDay(t)
	if c.WindowStart < c.WindowEnd {
		return m >= c.WindowStart && m < c.WindowEnd
	}
	// wraps past midnight
	return m >= c.WindowStart || m < c.WindowEnd
}

// AllWeekdays has one bit per weekday, Sunday through Saturday.
const AllWeekdays uint8 = 0x7F

// ValidDays reports whether mask names only real weekdays.
func ValidDays(mask uint8) bool {
	return mask&^AllWeekdays == 0
}

// ValidWindow reports whether start and end are minute-of-day values.
func ValidWindow(start, end int) bool {
	return start >= 0 && start < models.MinutesPerDay && end >= 0 && end < models.MinutesPerDay
}
