package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseError is a non-fatal parser failure; the router reports it back
// to the originating channel.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "schedule parse: " + e.Reason
}

func parseErrf(format string, args ...interface{}) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// IsSchedulePayload reports whether a payload looks like one of the two
// schedule forms.
func IsSchedulePayload(payload string) bool {
	return strings.HasPrefix(payload, "SCH|") || strings.HasPrefix(payload, "{")
}

// Parse dispatches to the compact or structured parser and validates
// the result.
func Parse(payload string, now time.Time) (*Schedule, error) {
	var (
		s   *Schedule
		err error
	)
	switch {
	case strings.HasPrefix(payload, "SCH|"):
		s, err = ParseCompact(payload)
	case strings.HasPrefix(payload, "{"):
		s, err = ParseJSON(payload)
	default:
		return nil, parseErrf("unrecognized schedule form")
	}
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	s.NextRunEpoch = s.ComputeNextRun(now)
	if s.Recurrence == Once && s.NextRunEpoch == 0 && s.StartEpoch > 0 {
		// A one-shot dated in the past still runs, right away.
		s.NextRunEpoch = s.StartEpoch
	}
	return s, nil
}

// ParseCompact parses the SCH| key-value form. Unknown keys are
// ignored. WD day names arrive comma-separated, so bare tokens after a
// WD= key extend the weekday mask.
func ParseCompact(payload string) (*Schedule, error) {
	s := &Schedule{
		PumpLeadMS: DefaultPumpLeadMS,
		PumpLagMS:  DefaultPumpLagMS,
		Enabled:    true,
	}

	body := strings.TrimPrefix(payload, "SCH|")
	lastKey := ""
	for _, token := range strings.Split(body, ",") {
		eq := strings.IndexByte(token, '=')
		if eq < 0 {
			// Continuation of a WD day list.
			if lastKey == "WD" {
				if err := s.addWeekday(token); err != nil {
					return nil, err
				}
			}
			continue
		}
		key, val := token[:eq], token[eq+1:]
		lastKey = key

		switch key {
		case "ID":
			s.ID = val
		case "REC":
			switch val {
			case "O", "M": // M is reserved, treated as one-shot
				s.Recurrence = Once
			case "D":
				s.Recurrence = Daily
			case "W":
				s.Recurrence = Weekly
			default:
				return nil, parseErrf("bad REC %q", val)
			}
		case "T":
			if err := s.setStartTime(val); err != nil {
				return nil, err
			}
		case "SEQ":
			steps, err := parseSeq(val)
			if err != nil {
				return nil, err
			}
			s.Steps = steps
		case "WD":
			if err := s.addWeekday(val); err != nil {
				return nil, err
			}
		case "PB":
			ms, err := parseU32(key, val)
			if err != nil {
				return nil, err
			}
			s.PumpLeadMS = ms
		case "PA":
			ms, err := parseU32(key, val)
			if err != nil {
				return nil, err
			}
			s.PumpLagMS = ms
		case "TS":
			ts, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, parseErrf("bad TS %q", val)
			}
			s.VersionTS = ts
		}
	}

	return s, nil
}

func (s *Schedule) addWeekday(name string) error {
	bit, ok := weekdayNames[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return parseErrf("bad weekday %q", name)
	}
	s.WeekdayMask |= bit
	return nil
}

// setStartTime accepts HH:MM for recurring schedules or a full
// YYYY-MM-DDThh:mm:ss local timestamp for one-shots.
func (s *Schedule) setStartTime(val string) error {
	if strings.ContainsRune(val, 'T') {
		at, err := time.ParseInLocation("2006-01-02T15:04:05", val, time.Local)
		if err != nil {
			return parseErrf("bad timestamp %q", val)
		}
		s.StartEpoch = at.Unix()
		s.StartHour = at.Hour()
		s.StartMinute = at.Minute()
		return nil
	}

	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return parseErrf("bad start time %q", val)
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return parseErrf("bad start time %q", val)
	}
	s.StartHour = hour
	s.StartMinute = minute
	return nil
}

// parseSeq parses "node:seconds" or "node:valve:seconds" entries
// separated by semicolons. Durations arrive in seconds and are stored
// as milliseconds.
func parseSeq(val string) ([]Step, error) {
	var steps []Step
	for _, entry := range strings.Split(val, ";") {
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 2 && len(parts) != 3 {
			return nil, parseErrf("bad sequence entry %q", entry)
		}
		node, err := strconv.ParseUint(parts[0], 10, 8)
		if err != nil {
			return nil, parseErrf("bad node %q", parts[0])
		}
		var valve uint8
		if len(parts) == 3 {
			v, err := strconv.ParseUint(parts[1], 10, 8)
			if err != nil {
				return nil, parseErrf("bad valve %q", parts[1])
			}
			valve = uint8(v)
		}
		seconds, err := strconv.ParseUint(parts[len(parts)-1], 10, 32)
		if err != nil {
			return nil, parseErrf("bad duration %q", parts[len(parts)-1])
		}
		steps = append(steps, Step{
			NodeID:     uint8(node),
			ValveID:    valve,
			DurationMS: uint32(seconds) * 1000,
		})
	}
	return steps, nil
}

func parseU32(key, val string) (uint32, error) {
	n, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, parseErrf("bad %s %q", key, val)
	}
	return uint32(n), nil
}

type jsonStep struct {
	NodeID     uint8  `json:"node_id"`
	ValveID    uint8  `json:"valve_id"`
	DurationMS uint32 `json:"duration_ms"`
}

type jsonSchedule struct {
	ScheduleID  string     `json:"schedule_id"`
	ID          string     `json:"id"`
	Recurrence  string     `json:"recurrence"`
	Rec         string     `json:"rec"`
	StartTime   string     `json:"start_time"`
	Time        string     `json:"time"`
	StartEpoch  int64      `json:"start_epoch"`
	Sequence    []jsonStep `json:"sequence"`
	WeekdayMask uint8      `json:"weekday_mask"`
	PumpLeadMS  *uint32    `json:"pump_on_before_ms"`
	PumpLagMS   *uint32    `json:"pump_off_after_ms"`
	Enabled     *bool      `json:"enabled"`
	TS          int64      `json:"ts"`
}

// ParseJSON parses the structured form. The long key names each have a
// short alias (schedule_id/id, recurrence/rec, start_time/time); the
// long name wins when both appear. Missing pump delays and enabled
// take the same defaults as the compact form.
func ParseJSON(payload string) (*Schedule, error) {
	var doc jsonSchedule
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, parseErrf("bad json: %v", err)
	}
	if doc.ScheduleID == "" {
		doc.ScheduleID = doc.ID
	}
	if doc.Recurrence == "" {
		doc.Recurrence = doc.Rec
	}
	if doc.StartTime == "" {
		doc.StartTime = doc.Time
	}

	s := &Schedule{
		ID:          doc.ScheduleID,
		StartEpoch:  doc.StartEpoch,
		WeekdayMask: doc.WeekdayMask,
		VersionTS:   doc.TS,
		PumpLeadMS:  DefaultPumpLeadMS,
		PumpLagMS:   DefaultPumpLagMS,
		Enabled:     true,
	}

	switch doc.Recurrence {
	case "onetime":
		s.Recurrence = Once
	case "daily":
		s.Recurrence = Daily
	case "weekly":
		s.Recurrence = Weekly
	default:
		return nil, parseErrf("bad recurrence %q", doc.Recurrence)
	}

	if doc.StartTime != "" {
		if err := s.setStartTime(doc.StartTime); err != nil {
			return nil, err
		}
	} else if doc.StartEpoch > 0 {
		at := time.Unix(doc.StartEpoch, 0).Local()
		s.StartHour = at.Hour()
		s.StartMinute = at.Minute()
	}

	for _, step := range doc.Sequence {
		s.Steps = append(s.Steps, Step{
			NodeID:     step.NodeID,
			ValveID:    step.ValveID,
			DurationMS: step.DurationMS,
		})
	}

	if doc.PumpLeadMS != nil {
		s.PumpLeadMS = *doc.PumpLeadMS
	}
	if doc.PumpLagMS != nil {
		s.PumpLagMS = *doc.PumpLagMS
	}
	if doc.Enabled != nil {
		s.Enabled = *doc.Enabled
	}

	return s, nil
}
