package clock

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"
)

// Reference is the external time device (RTC contract). ReadTime returns
// its current notion of wall time; SetTime updates it after a sync.
type Reference interface {
	ReadTime() (time.Time, error)
	SetTime(t time.Time) error
}

// Syncer obtains authoritative wall time (NTP contract) and applies it to
// the system clock, returning the synced time.
type Syncer interface {
	Sync(ctx context.Context) (time.Time, error)
}

// Settings is the persistent key-value surface the monitor records
// sync timestamps in.
type Settings interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// DriftConfig holds drift monitor configuration.
type DriftConfig struct {
	CheckInterval time.Duration // how often to compare against the reference
	Threshold     time.Duration // resync when |system - reference| exceeds this
}

// DefaultDriftConfig returns default drift monitor configuration.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		CheckInterval: 1 * time.Hour,
		Threshold:     300 * time.Second,
	}
}

// DriftMonitor periodically compares system wall time against the
// reference device and triggers a sync when the delta exceeds the
// configured threshold. On sync both the system clock and the reference
// are updated.
type DriftMonitor struct {
	config   DriftConfig
	clock    Clock
	ref      Reference
	syncer   Syncer
	settings Settings
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewDriftMonitor creates a drift monitor.
func NewDriftMonitor(config DriftConfig, clk Clock, ref Reference, syncer Syncer, settings Settings) *DriftMonitor {
	return &DriftMonitor{
		config:   config,
		clock:    clk,
		ref:      ref,
		syncer:   syncer,
		settings: settings,
		stopChan: make(chan struct{}),
	}
}

// Start starts the periodic check loop.
func (m *DriftMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.checkLoop(ctx)
}

// Stop stops the check loop.
func (m *DriftMonitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

func (m *DriftMonitor) checkLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				log.Printf("Drift check failed: %v", err)
			}
		}
	}
}

// Check compares system time with the reference and syncs if the drift
// exceeds the threshold. Exposed for tests and for manual STATUS queries.
func (m *DriftMonitor) Check(ctx context.Context) error {
	refTime, err := m.ref.ReadTime()
	if err != nil {
		return fmt.Errorf("read reference time: %w", err)
	}

	delta := m.clock.Now().Sub(refTime)
	if delta < 0 {
		delta = -delta
	}
	if delta <= m.config.Threshold {
		return nil
	}

	log.Printf("Clock drift %v exceeds threshold %v, syncing", delta, m.config.Threshold)

	synced, err := m.syncer.Sync(ctx)
	if err != nil {
		return fmt.Errorf("time sync: %w", err)
	}

	if err := m.ref.SetTime(synced); err != nil {
		log.Printf("Failed to update reference clock: %v", err)
	}

	if err := m.settings.SetSetting("last_ntp_sync", strconv.FormatInt(synced.Unix(), 10)); err != nil {
		log.Printf("Failed to record sync time: %v", err)
	}

	return nil
}

// LastSync returns the epoch of the most recent successful sync, or zero
// if none is recorded.
func (m *DriftMonitor) LastSync() int64 {
	v, err := m.settings.GetSetting("last_ntp_sync")
	if err != nil || v == "" {
		return 0
	}
	epoch, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return epoch
}
