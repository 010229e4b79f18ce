package engine

import (
	"log"
	"os"
)

// GPIOPump drives the pump relay through a sysfs GPIO value file.
// ActiveLow inverts the written level for relays that energize on 0.
type GPIOPump struct {
	ValuePath string
	ActiveLow bool
}

func (p *GPIOPump) Set(on bool) {
	level := "0"
	if on != p.ActiveLow {
		level = "1"
	}
	if err := os.WriteFile(p.ValuePath, []byte(level), 0644); err != nil {
		log.Printf("Pump GPIO write failed: %v", err)
	}
}

// NullPump satisfies Pump where no pump output is wired.
type NullPump struct{}

func (NullPump) Set(bool) {}
