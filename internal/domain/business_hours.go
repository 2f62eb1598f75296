package domain

import "time"

// WithinBusinessHours reports whether now falls inside one of the campaign
// windows, evaluated in the campaign time zone. No windows means always open.
func (c *Campaign) WithinBusinessHours(now time.Time) bool {
	if len(c.BusinessHours) == 0 {
		return true
	}

	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return true
	}

	local := now.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()

	for _, window := range c.BusinessHours {
		start := window.Start.Hour()*60 + window.Start.Minute()
		end := window.End.Hour()*60 + window.End.Minute()

		if end <= start {
			// window spans midnight
			nextDay := time.Weekday((int(window.DayOfWeek) + 1) % 7)
			if window.DayOfWeek == weekday && minuteOfDay >= start {
				return true
			}
			if nextDay == weekday && minuteOfDay < end {
				return true
			}
			continue
		}

		if window.DayOfWeek == weekday && minuteOfDay >= start && minuteOfDay < end {
			return true
		}
	}

	return false
}
