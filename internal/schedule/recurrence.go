package schedule

import "time"

var weekdayNames = map[string]uint8{
	"SUN": 1 << 0,
	"MON": 1 << 1,
	"TUE": 1 << 2,
	"WED": 1 << 3,
	"THU": 1 << 4,
	"FRI": 1 << 5,
	"SAT": 1 << 6,
}

// WeekdayBit returns the mask bit for a Go weekday.
func WeekdayBit(d time.Weekday) uint8 {
	return 1 << uint8(d)
}

// ComputeNextRun derives next_run_epoch from now in local time.
// Weekly schedules scan the next 14 days for the earliest enabled
// weekday whose start time is still ahead of now. Returns 0 when no
// future run exists (a spent one-shot).
func (s *Schedule) ComputeNextRun(now time.Time) int64 {
	switch s.Recurrence {
	case Once:
		if s.StartEpoch > now.Unix() {
			return s.StartEpoch
		}
		return 0
	case Daily:
		at := time.Date(now.Year(), now.Month(), now.Day(),
			s.StartHour, s.StartMinute, 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at.Unix()
	case Weekly:
		for day := 0; day < 14; day++ {
			d := now.AddDate(0, 0, day)
			if s.WeekdayMask&WeekdayBit(d.Weekday()) == 0 {
				continue
			}
			at := time.Date(d.Year(), d.Month(), d.Day(),
				s.StartHour, s.StartMinute, 0, 0, now.Location())
			if at.After(now) {
				return at.Unix()
			}
		}
		return 0
	}
	return 0
}

// Due reports whether the schedule should start at now. The engine
// calls this once per tick; NextRunEpoch is recomputed after a run.
func (s *Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextRunEpoch > 0 && now.Unix() >= s.NextRunEpoch
}
