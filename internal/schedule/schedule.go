// Package schedule holds the canonical irrigation schedule model, the
// two accepted wire forms, and the due-time computation.
package schedule

import (
	"errors"
	"fmt"
)

const (
	// MaxSchedules is the maximum number of persisted schedules.
	MaxSchedules = 10

	// MaxSteps is the maximum steps in one sequence.
	MaxSteps = 20

	// MaxIDLen matches the link-layer schedule id limit.
	MaxIDLen = 50

	// DefaultPumpLeadMS is the pump-on delay before the first valve
	// opens when the sender does not specify one.
	DefaultPumpLeadMS = 3000

	// DefaultPumpLagMS is the pump-off delay after the last valve
	// closes when the sender does not specify one.
	DefaultPumpLagMS = 3000
)

// Recurrence selects how next_run_epoch is derived.
type Recurrence uint8

const (
	Once Recurrence = iota
	Daily
	Weekly
)

func (r Recurrence) String() string {
	switch r {
	case Once:
		return "onetime"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	}
	return fmt.Sprintf("recurrence(%d)", uint8(r))
}

// Step is one valve actuation in a sequence. Immutable after load.
type Step struct {
	NodeID     uint8
	ValveID    uint8
	DurationMS uint32
}

// Schedule is the canonical form both parsers produce and the store
// persists. Records are replaced whole, never edited in place.
type Schedule struct {
	ID           string
	Recurrence   Recurrence
	StartHour    int
	StartMinute  int
	StartEpoch   int64
	NextRunEpoch int64
	WeekdayMask  uint8 // SUN=bit0 .. SAT=bit6
	Steps        []Step
	PumpLeadMS   uint32
	PumpLagMS    uint32
	VersionTS    int64
	Enabled      bool
}

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid schedule")

// Validate checks the canonical invariants. Parsers call this before
// handing a schedule to the store.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if len(s.ID) > MaxIDLen {
		return fmt.Errorf("%w: id %q too long", ErrInvalid, s.ID)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: empty sequence", ErrInvalid)
	}
	if len(s.Steps) > MaxSteps {
		return fmt.Errorf("%w: %d steps exceeds %d", ErrInvalid, len(s.Steps), MaxSteps)
	}
	for i, step := range s.Steps {
		if step.NodeID < 1 || step.NodeID > 254 {
			return fmt.Errorf("%w: step %d node %d out of range", ErrInvalid, i, step.NodeID)
		}
		if step.DurationMS == 0 {
			return fmt.Errorf("%w: step %d zero duration", ErrInvalid, i)
		}
	}
	if s.Recurrence == Weekly && s.WeekdayMask == 0 {
		return fmt.Errorf("%w: weekly schedule with empty weekday mask", ErrInvalid)
	}
	if s.StartHour < 0 || s.StartHour > 23 || s.StartMinute < 0 || s.StartMinute > 59 {
		return fmt.Errorf("%w: start time %02d:%02d", ErrInvalid, s.StartHour, s.StartMinute)
	}
	return nil
}

// TotalDurationMS sums the step durations, for status reporting.
func (s *Schedule) TotalDurationMS() uint64 {
	var total uint64
	for _, step := range s.Steps {
		total += uint64(step.DurationMS)
	}
	return total
}
