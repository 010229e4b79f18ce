// Package engine executes irrigation schedules: it decides when a
// schedule is due, drives the pump and valves through the radio link,
// and checkpoints progress so a reset resumes mid-run.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/irrigation-gateway/internal/clock"
	"github.com/agsys/irrigation-gateway/internal/radio"
	"github.com/agsys/irrigation-gateway/internal/schedule"
)

// CommandSender is the reliable link the engine actuates valves with.
type CommandSender interface {
	SendWithAck(ctx context.Context, cmdType string, node uint8, schedID string, stepIdx int, durationMS uint32) error
}

// Pump drives the pump output. Polarity is the implementation's
// concern; Set(true) always means pumping.
type Pump interface {
	Set(on bool)
}

// Store is the persistence surface the engine needs.
type Store interface {
	GetAllSchedules() ([]*schedule.Schedule, error)
	SetScheduleEnabled(id string, enabled bool) error
	UpdateNextRun(id string, nextRunEpoch int64) error
	SaveCheckpoint(scheduleID string, stepIdx int) error
	LoadCheckpoint() (scheduleID string, stepIdx int, ok bool, err error)
	ClearCheckpoint() error
	InsertEvent(kind, detail string) error
}

// State is the engine's run state.
type State uint8

const (
	StateIdle State = iota
	StatePumpLead
	StateRunning
	StatePumpLag
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePumpLead:
		return "pump-lead"
	case StateRunning:
		return "running"
	case StatePumpLag:
		return "pump-lag"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Config holds engine timing parameters.
type Config struct {
	CheckpointInterval time.Duration
}

// DefaultConfig returns the standard engine timing.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 60 * time.Second,
	}
}

// Engine runs on the gateway's cooperative loop: Tick is called
// frequently and never spins; only radio sends block it.
type Engine struct {
	config Config
	store  Store
	radio  CommandSender
	pump   Pump
	clock  clock.Clock

	mu        sync.Mutex
	schedules map[string]*schedule.Schedule
	statusFn  func(msg string)

	state        State
	active       *schedule.Schedule
	stepIdx      int
	pendingIdx   int // first step to open, set before PumpLead
	phaseStartMS uint32
	stepStartMS  uint32
	checkpointMS uint32
	pumpOn       bool
}

// New creates an engine over the given collaborators.
func New(config Config, store Store, sender CommandSender, pump Pump, clk clock.Clock) *Engine {
	return &Engine{
		config:    config,
		store:     store,
		radio:     sender,
		pump:      pump,
		clock:     clk,
		schedules: make(map[string]*schedule.Schedule),
	}
}

// SetStatusCallback sets the function run outcomes are reported
// through (outbound messaging, status reporter).
func (e *Engine) SetStatusCallback(fn func(msg string)) {
	e.mu.Lock()
	e.statusFn = fn
	e.mu.Unlock()
}

// Load populates the ready set from the store and, if a run checkpoint
// survives from before a reset, resumes from the recorded step.
func (e *Engine) Load(ctx context.Context) error {
	schedules, err := e.store.GetAllSchedules()
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	e.mu.Lock()
	for _, s := range schedules {
		e.schedules[s.ID] = s
	}
	e.mu.Unlock()

	id, idx, ok, err := e.store.LoadCheckpoint()
	if err != nil {
		log.Printf("Checkpoint load failed: %v", err)
		return nil
	}
	if !ok {
		return nil
	}

	e.mu.Lock()
	s := e.schedules[id]
	e.mu.Unlock()
	if s == nil || idx < 0 || idx >= len(s.Steps) {
		log.Printf("Dropping checkpoint for unknown schedule %q step %d", id, idx)
		if err := e.store.ClearCheckpoint(); err != nil {
			log.Printf("Checkpoint clear failed: %v", err)
		}
		return nil
	}

	log.Printf("Resuming schedule %s from step %d", id, idx)
	e.begin(s, idx)
	return nil
}

// SetSchedule adds or replaces a schedule in the ready set. A run that
// is already in flight keeps its adopted copy.
func (e *Engine) SetSchedule(s *schedule.Schedule) {
	e.mu.Lock()
	e.schedules[s.ID] = s
	e.mu.Unlock()
}

// DeleteSchedule removes a schedule from the ready set; if it is
// currently running, the run is stopped first.
func (e *Engine) DeleteSchedule(ctx context.Context, id string) {
	if e.active != nil && e.active.ID == id {
		e.Stop(ctx)
	}
	e.mu.Lock()
	delete(e.schedules, id)
	e.mu.Unlock()
}

// Schedules returns the ready set, for LIST and status reporting.
func (e *Engine) Schedules() []*schedule.Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*schedule.Schedule, 0, len(e.schedules))
	for _, s := range e.schedules {
		out = append(out, s)
	}
	return out
}

// Snapshot describes the engine's current run, for STATUS replies.
type Snapshot struct {
	State      State
	ScheduleID string
	StepIdx    int
	PumpOn     bool
}

// Status returns the current run snapshot.
func (e *Engine) Status() Snapshot {
	snap := Snapshot{State: e.state, StepIdx: -1, PumpOn: e.pumpOn}
	if e.active != nil {
		snap.ScheduleID = e.active.ID
	}
	if e.state == StateRunning {
		snap.StepIdx = e.stepIdx
	}
	return snap
}

// Tick advances the state machine one cooperative step. Pump lead and
// lag are deadline checks, not sleeps, so the loop keeps servicing the
// link and the intake while they elapse.
func (e *Engine) Tick(ctx context.Context) {
	switch e.state {
	case StateIdle:
		e.tickIdle()
	case StatePumpLead:
		e.tickPumpLead(ctx)
	case StateRunning:
		e.tickRunning(ctx)
	case StatePumpLag:
		e.tickPumpLag()
	}
}

func (e *Engine) tickIdle() {
	now := e.clock.Now()

	e.mu.Lock()
	candidates := make([]*schedule.Schedule, 0, len(e.schedules))
	for _, s := range e.schedules {
		candidates = append(candidates, s)
	}
	e.mu.Unlock()

	for _, s := range candidates {
		if s.Enabled && s.NextRunEpoch == 0 && s.Recurrence != schedule.Once {
			s.NextRunEpoch = s.ComputeNextRun(now)
			if err := e.store.UpdateNextRun(s.ID, s.NextRunEpoch); err != nil {
				log.Printf("Next-run save failed for %s: %v", s.ID, err)
			}
		}
		if s.Due(now) {
			e.begin(s, 0)
			return
		}
	}
}

// begin asserts the pump and arms the lead delay. startIdx is 0 for a
// fresh run or the checkpointed step on resume.
func (e *Engine) begin(s *schedule.Schedule, startIdx int) {
	log.Printf("Starting schedule %s at step %d (lead %dms)", s.ID, startIdx, s.PumpLeadMS)
	e.active = s
	e.pendingIdx = startIdx
	e.pump.Set(true)
	e.pumpOn = true
	e.state = StatePumpLead
	e.phaseStartMS = e.clock.MonotonicMS()
	e.logEvent("sch", fmt.Sprintf("start %s step %d", s.ID, startIdx))
}

func (e *Engine) tickPumpLead(ctx context.Context) {
	if clock.ElapsedMS(e.clock.MonotonicMS(), e.phaseStartMS) < e.active.PumpLeadMS {
		return
	}
	e.openFirst(ctx)
}

// openFirst opens the first reachable step, then best-effort closes
// every other node so no valve is left open from a previous run.
func (e *Engine) openFirst(ctx context.Context) {
	s := e.active
	opened := -1
	for idx := e.pendingIdx; idx < len(s.Steps); idx++ {
		step := s.Steps[idx]
		err := e.radio.SendWithAck(ctx, radio.CmdOpen, step.NodeID, s.ID, idx, step.DurationMS)
		if err == nil {
			opened = idx
			break
		}
		log.Printf("OPEN failed for %s step %d node %d: %v", s.ID, idx, step.NodeID, err)
		e.logEvent("sch", fmt.Sprintf("open fail %s step %d", s.ID, idx))
	}

	if opened < 0 {
		e.abortStart()
		return
	}

	for idx, step := range s.Steps {
		if idx == opened {
			continue
		}
		if err := e.radio.SendWithAck(ctx, radio.CmdClose, step.NodeID, s.ID, idx, 0); err != nil {
			log.Printf("Best-effort CLOSE failed for node %d: %v", step.NodeID, err)
		}
	}

	now := e.clock.MonotonicMS()
	e.state = StateRunning
	e.stepIdx = opened
	e.stepStartMS = now
	e.checkpointMS = now
	e.saveCheckpoint()
}

// abortStart handles the all-steps-failed case: notify, pump off,
// clear the run.
func (e *Engine) abortStart() {
	id := e.active.ID
	log.Printf("All steps failed at start of %s, aborting", id)
	e.emit(fmt.Sprintf("ERR|SCH|START_FAIL|S=%s|NO_NODES", id))
	e.logEvent("sch", "start fail "+id)
	e.finishRun(false)
}

func (e *Engine) tickRunning(ctx context.Context) {
	s := e.active
	now := e.clock.MonotonicMS()
	step := s.Steps[e.stepIdx]

	if clock.ElapsedMS(now, e.stepStartMS) < step.DurationMS {
		if clock.ElapsedMS(now, e.checkpointMS) >= uint32(e.config.CheckpointInterval.Milliseconds()) {
			e.checkpointMS = now
			e.saveCheckpoint()
		}
		return
	}

	// Step elapsed: close it, then open the next reachable one.
	if err := e.radio.SendWithAck(ctx, radio.CmdClose, step.NodeID, s.ID, e.stepIdx, 0); err != nil {
		log.Printf("CLOSE failed for %s step %d node %d: %v", s.ID, e.stepIdx, step.NodeID, err)
	}

	for idx := e.stepIdx + 1; idx < len(s.Steps); idx++ {
		next := s.Steps[idx]
		err := e.radio.SendWithAck(ctx, radio.CmdOpen, next.NodeID, s.ID, idx, next.DurationMS)
		if err == nil {
			e.stepIdx = idx
			e.stepStartMS = e.clock.MonotonicMS()
			e.saveCheckpoint()
			return
		}
		log.Printf("OPEN failed for %s step %d node %d, skipping: %v", s.ID, idx, next.NodeID, err)
		e.logEvent("sch", fmt.Sprintf("open fail %s step %d", s.ID, idx))
	}

	// No step left: the last CLOSE is out, start the lag countdown.
	e.state = StatePumpLag
	e.phaseStartMS = e.clock.MonotonicMS()
}

func (e *Engine) tickPumpLag() {
	if clock.ElapsedMS(e.clock.MonotonicMS(), e.phaseStartMS) < e.active.PumpLagMS {
		return
	}
	id := e.active.ID
	e.finishRun(true)
	e.emit("SCH|DONE|S=" + id)
	e.logEvent("sch", "done "+id)
}

// Stop cancels the run immediately: best-effort close of the current
// node, pump off with no lag, run state cleared.
func (e *Engine) Stop(ctx context.Context) {
	if e.state == StateIdle {
		return
	}
	s := e.active
	if e.state == StateRunning {
		step := s.Steps[e.stepIdx]
		if err := e.radio.SendWithAck(ctx, radio.CmdClose, step.NodeID, s.ID, e.stepIdx, 0); err != nil {
			log.Printf("CLOSE on stop failed for node %d: %v", step.NodeID, err)
		}
	}
	log.Printf("Stopping schedule %s", s.ID)
	e.finishRun(false)
	e.emit("SCH|STOPPED|S=" + s.ID)
	e.logEvent("sch", "stopped "+s.ID)
}

// finishRun deasserts the pump and returns to idle. The finished
// schedule's next run is recomputed; a successful one-shot is
// disabled.
func (e *Engine) finishRun(success bool) {
	s := e.active
	e.pump.Set(false)
	e.pumpOn = false
	e.state = StateIdle
	e.active = nil

	if err := e.store.ClearCheckpoint(); err != nil {
		log.Printf("Checkpoint clear failed: %v", err)
	}

	if success && s.Recurrence == schedule.Once {
		s.Enabled = false
		if err := e.store.SetScheduleEnabled(s.ID, false); err != nil {
			log.Printf("Disable failed for %s: %v", s.ID, err)
		}
	}

	s.NextRunEpoch = s.ComputeNextRun(e.clock.Now())
	if err := e.store.UpdateNextRun(s.ID, s.NextRunEpoch); err != nil {
		log.Printf("Next-run save failed for %s: %v", s.ID, err)
	}
}

func (e *Engine) saveCheckpoint() {
	if err := e.store.SaveCheckpoint(e.active.ID, e.stepIdx); err != nil {
		log.Printf("Checkpoint save failed: %v", err)
	}
}

func (e *Engine) emit(msg string) {
	e.mu.Lock()
	fn := e.statusFn
	e.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (e *Engine) logEvent(kind, detail string) {
	if err := e.store.InsertEvent(kind, detail); err != nil {
		log.Printf("Event log failed: %v", err)
	}
}
