// Package status fans gateway status and error events out to the
// outbound channels: pub/sub publish, SMS broadcast to the admin list,
// and short-range notify. A sink failure is logged and never stops the
// remaining sinks.
package status

import (
	"log"
	"sync"
)

// Kind classifies an event for per-kind alert gating.
type Kind int

const (
	KindInfo Kind = iota
	KindBoot
	KindScheduleFail
	KindCommandFail
	KindLowBattery
	KindStop
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindBoot:
		return "boot"
	case KindScheduleFail:
		return "schedule-fail"
	case KindCommandFail:
		return "command-fail"
	case KindLowBattery:
		return "low-battery"
	case KindStop:
		return "stop"
	case KindDone:
		return "done"
	default:
		return "info"
	}
}

// Config gates which event kinds reach broadcast sinks. Ungated sinks
// receive every event regardless.
type Config struct {
	Broadcast      bool
	AlertOnBoot    bool
	AlertOnSchFail bool
	AlertOnCmdFail bool
	AlertOnLowBatt bool
}

// DefaultConfig enables broadcast with every alert kind on.
func DefaultConfig() Config {
	return Config{
		Broadcast:      true,
		AlertOnBoot:    true,
		AlertOnSchFail: true,
		AlertOnCmdFail: true,
		AlertOnLowBatt: true,
	}
}

// Sink delivers one event to an outbound channel.
type Sink func(kind Kind, msg string) error

type sinkEntry struct {
	name  string
	gated bool
	fn    Sink
}

// Reporter is the event fan-out point shared by the engine, router,
// and gateway loop.
type Reporter struct {
	mu     sync.Mutex
	config Config
	sinks  []sinkEntry
}

// New creates a reporter with the given gate configuration.
func New(config Config) *Reporter {
	return &Reporter{config: config}
}

// Register adds a sink. Gated sinks honour the per-kind alert gates;
// ungated sinks receive everything.
func (r *Reporter) Register(name string, gated bool, fn Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sinkEntry{name: name, gated: gated, fn: fn})
}

// Report delivers an event to every registered sink that accepts it.
func (r *Reporter) Report(kind Kind, msg string) {
	r.mu.Lock()
	config := r.config
	sinks := make([]sinkEntry, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()

	for _, s := range sinks {
		if s.gated && !config.allows(kind) {
			continue
		}
		if err := s.fn(kind, msg); err != nil {
			log.Printf("Status sink %s failed for %s event: %v", s.name, kind, err)
		}
	}
}

func (c Config) allows(kind Kind) bool {
	if !c.Broadcast {
		return false
	}
	switch kind {
	case KindBoot:
		return c.AlertOnBoot
	case KindScheduleFail:
		return c.AlertOnSchFail
	case KindCommandFail:
		return c.AlertOnCmdFail
	case KindLowBattery:
		return c.AlertOnLowBatt
	default:
		return true
	}
}
