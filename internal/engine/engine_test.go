package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agsys/irrigation-gateway/internal/schedule"
)

type fakeClock struct {
	now  time.Time
	mono uint32
}

func (c *fakeClock) Now() time.Time      { return c.now }
func (c *fakeClock) MonotonicMS() uint32 { return c.mono }

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
	c.mono += uint32(d.Milliseconds())
}

type sentCmd struct {
	Type    string
	Node    uint8
	SchedID string
	StepIdx int
}

type fakeSender struct {
	sent     []sentCmd
	failOpen map[uint8]bool
}

func (s *fakeSender) SendWithAck(ctx context.Context, cmdType string, node uint8, schedID string, stepIdx int, durationMS uint32) error {
	s.sent = append(s.sent, sentCmd{cmdType, node, schedID, stepIdx})
	if cmdType == "OPEN" && s.failOpen[node] {
		return errors.New("ack timeout")
	}
	return nil
}

type fakePump struct {
	events []bool
}

func (p *fakePump) Set(on bool) { p.events = append(p.events, on) }

type fakeStore struct {
	schedules   []*schedule.Schedule
	enabled     map[string]bool
	nextRuns    map[string]int64
	checkpoints []string
	ckptID      string
	ckptIdx     int
	ckptSet     bool
}

func newFakeStore(schedules ...*schedule.Schedule) *fakeStore {
	return &fakeStore{
		schedules: schedules,
		enabled:   make(map[string]bool),
		nextRuns:  make(map[string]int64),
	}
}

func (s *fakeStore) GetAllSchedules() ([]*schedule.Schedule, error) { return s.schedules, nil }

func (s *fakeStore) SetScheduleEnabled(id string, enabled bool) error {
	s.enabled[id] = enabled
	return nil
}

func (s *fakeStore) UpdateNextRun(id string, next int64) error {
	s.nextRuns[id] = next
	return nil
}

func (s *fakeStore) SaveCheckpoint(id string, idx int) error {
	s.ckptID, s.ckptIdx, s.ckptSet = id, idx, true
	s.checkpoints = append(s.checkpoints, fmt.Sprintf("%s:%d", id, idx))
	return nil
}

func (s *fakeStore) LoadCheckpoint() (string, int, bool, error) {
	return s.ckptID, s.ckptIdx, s.ckptSet, nil
}

func (s *fakeStore) ClearCheckpoint() error {
	s.ckptSet = false
	return nil
}

func (s *fakeStore) InsertEvent(kind, detail string) error { return nil }

func dailySchedule() *schedule.Schedule {
	return &schedule.Schedule{
		ID:          "A",
		Recurrence:  schedule.Daily,
		StartHour:   6,
		StartMinute: 30,
		Steps: []schedule.Step{
			{NodeID: 1, DurationMS: 60000},
			{NodeID: 2, DurationMS: 90000},
		},
		PumpLeadMS: 3000,
		PumpLagMS:  2000,
		Enabled:    true,
	}
}

type harness struct {
	engine *Engine
	clock  *fakeClock
	sender *fakeSender
	pump   *fakePump
	store  *fakeStore
}

func newHarness(t *testing.T, schedules ...*schedule.Schedule) *harness {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 6, 1, 6, 29, 0, 0, time.Local), mono: 1000}
	sender := &fakeSender{failOpen: make(map[uint8]bool)}
	pump := &fakePump{}
	store := newFakeStore(schedules...)

	for _, s := range schedules {
		s.NextRunEpoch = s.ComputeNextRun(clk.now)
	}

	e := New(DefaultConfig(), store, sender, pump, clk)
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return &harness{engine: e, clock: clk, sender: sender, pump: pump, store: store}
}

func (h *harness) tickAfter(d time.Duration) {
	h.clock.advance(d)
	h.engine.Tick(context.Background())
}

func TestFullRunHappyPath(t *testing.T) {
	h := newHarness(t, dailySchedule())
	ctx := context.Background()

	// Before start time: idle.
	h.engine.Tick(ctx)
	if h.engine.Status().State != StateIdle {
		t.Fatal("should be idle before start time")
	}

	// Due: pump on, lead delay armed.
	h.tickAfter(time.Minute)
	if h.engine.Status().State != StatePumpLead {
		t.Fatalf("state = %v, want pump-lead", h.engine.Status().State)
	}
	if len(h.pump.events) != 1 || !h.pump.events[0] {
		t.Fatalf("pump events = %v, want [true]", h.pump.events)
	}
	if len(h.sender.sent) != 0 {
		t.Fatalf("no frame should go out during pump lead, got %v", h.sender.sent)
	}

	// Lead elapsed: first OPEN, best-effort CLOSE of the other node.
	h.tickAfter(3 * time.Second)
	want := []sentCmd{
		{"OPEN", 1, "A", 0},
		{"CLOSE", 2, "A", 1},
	}
	if len(h.sender.sent) != 2 || h.sender.sent[0] != want[0] || h.sender.sent[1] != want[1] {
		t.Fatalf("sent = %v, want %v", h.sender.sent, want)
	}
	if snap := h.engine.Status(); snap.State != StateRunning || snap.StepIdx != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Step 0 elapsed: close node 1, open node 2.
	h.tickAfter(60 * time.Second)
	if len(h.sender.sent) != 4 ||
		h.sender.sent[2] != (sentCmd{"CLOSE", 1, "A", 0}) ||
		h.sender.sent[3] != (sentCmd{"OPEN", 2, "A", 1}) {
		t.Fatalf("sent = %v", h.sender.sent)
	}

	// Step 1 elapsed: final close, lag countdown.
	h.tickAfter(90 * time.Second)
	if h.sender.sent[4] != (sentCmd{"CLOSE", 2, "A", 1}) {
		t.Fatalf("sent = %v", h.sender.sent)
	}
	if h.engine.Status().State != StatePumpLag {
		t.Fatalf("state = %v, want pump-lag", h.engine.Status().State)
	}
	if !h.engine.Status().PumpOn {
		t.Fatal("pump should stay on through the lag")
	}

	// Lag elapsed: pump off, idle, next run recomputed to tomorrow.
	h.tickAfter(2 * time.Second)
	if snap := h.engine.Status(); snap.State != StateIdle || snap.PumpOn {
		t.Fatalf("snapshot = %+v", snap)
	}
	if h.pump.events[len(h.pump.events)-1] {
		t.Fatal("pump should be off after the lag")
	}
	wantNext := time.Date(2024, 6, 2, 6, 30, 0, 0, time.Local).Unix()
	if h.store.nextRuns["A"] != wantNext {
		t.Errorf("next run = %d, want %d", h.store.nextRuns["A"], wantNext)
	}
	if h.store.ckptSet {
		t.Error("checkpoint should be cleared after the run")
	}
}

func TestStartSkipsFailedNode(t *testing.T) {
	h := newHarness(t, dailySchedule())
	h.sender.failOpen[1] = true

	h.tickAfter(time.Minute)     // due
	h.tickAfter(3 * time.Second) // lead elapsed

	// OPEN 1 fails, OPEN 2 succeeds, node 1 still gets a CLOSE.
	want := []sentCmd{
		{"OPEN", 1, "A", 0},
		{"OPEN", 2, "A", 1},
		{"CLOSE", 1, "A", 0},
	}
	if len(h.sender.sent) != 3 {
		t.Fatalf("sent = %v", h.sender.sent)
	}
	for i := range want {
		if h.sender.sent[i] != want[i] {
			t.Errorf("sent[%d] = %v, want %v", i, h.sender.sent[i], want[i])
		}
	}
	if snap := h.engine.Status(); snap.State != StateRunning || snap.StepIdx != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestAllStepsFailAborts(t *testing.T) {
	h := newHarness(t, dailySchedule())
	h.sender.failOpen[1] = true
	h.sender.failOpen[2] = true

	var status []string
	h.engine.SetStatusCallback(func(msg string) { status = append(status, msg) })

	h.tickAfter(time.Minute)
	h.tickAfter(3 * time.Second)

	if snap := h.engine.Status(); snap.State != StateIdle || snap.PumpOn {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(status) != 1 || status[0] != "ERR|SCH|START_FAIL|S=A|NO_NODES" {
		t.Fatalf("status = %v", status)
	}
	if h.pump.events[len(h.pump.events)-1] {
		t.Fatal("pump should be off after abort")
	}
	// No CLOSE storm on abort.
	for _, c := range h.sender.sent {
		if c.Type == "CLOSE" {
			t.Errorf("unexpected CLOSE after failed start: %v", c)
		}
	}
}

func TestStopBypassesLag(t *testing.T) {
	h := newHarness(t, dailySchedule())
	ctx := context.Background()

	h.tickAfter(time.Minute)
	h.tickAfter(3 * time.Second)
	if h.engine.Status().State != StateRunning {
		t.Fatal("should be running")
	}

	before := len(h.sender.sent)
	h.engine.Stop(ctx)

	if h.sender.sent[before] != (sentCmd{"CLOSE", 1, "A", 0}) {
		t.Fatalf("stop should close the current node, sent = %v", h.sender.sent[before:])
	}
	if snap := h.engine.Status(); snap.State != StateIdle || snap.PumpOn {
		t.Fatalf("snapshot = %+v", snap)
	}
	if h.store.ckptSet {
		t.Error("checkpoint should be cleared on stop")
	}
}

func TestCheckpointDuringRun(t *testing.T) {
	s := dailySchedule()
	s.Steps = []schedule.Step{{NodeID: 1, DurationMS: 300000}} // 5 min
	h := newHarness(t, s)

	h.tickAfter(time.Minute)
	h.tickAfter(3 * time.Second)
	if !h.store.ckptSet || h.store.ckptID != "A" || h.store.ckptIdx != 0 {
		t.Fatalf("checkpoint = %q:%d set=%v", h.store.ckptID, h.store.ckptIdx, h.store.ckptSet)
	}
	saves := len(h.store.checkpoints)

	// One checkpoint per interval while the step runs.
	h.tickAfter(61 * time.Second)
	if len(h.store.checkpoints) != saves+1 {
		t.Errorf("checkpoint saves = %d, want %d", len(h.store.checkpoints), saves+1)
	}
}

func TestResumeFromCheckpoint(t *testing.T) {
	s := dailySchedule()
	store := newFakeStore(s)
	store.ckptID, store.ckptIdx, store.ckptSet = "A", 1, true

	clk := &fakeClock{now: time.Date(2024, 6, 1, 6, 40, 0, 0, time.Local), mono: 1000}
	sender := &fakeSender{failOpen: make(map[uint8]bool)}
	pump := &fakePump{}

	e := New(DefaultConfig(), store, sender, pump, clk)
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Boot resume: pump on, lead delay, then open at the recorded step.
	if e.Status().State != StatePumpLead {
		t.Fatalf("state = %v, want pump-lead", e.Status().State)
	}
	clk.advance(3 * time.Second)
	e.Tick(context.Background())

	if len(sender.sent) == 0 || sender.sent[0] != (sentCmd{"OPEN", 2, "A", 1}) {
		t.Fatalf("sent = %v, want OPEN node 2 step 1 first", sender.sent)
	}
	if snap := e.Status(); snap.State != StateRunning || snap.StepIdx != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStaleCheckpointDropped(t *testing.T) {
	store := newFakeStore() // no schedules
	store.ckptID, store.ckptIdx, store.ckptSet = "gone", 1, true

	clk := &fakeClock{now: time.Now()}
	e := New(DefaultConfig(), store, &fakeSender{failOpen: map[uint8]bool{}}, &fakePump{}, clk)
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if e.Status().State != StateIdle {
		t.Fatal("unknown checkpoint should not start a run")
	}
	if store.ckptSet {
		t.Error("stale checkpoint should be cleared")
	}
}

func TestOneShotDisabledAfterRun(t *testing.T) {
	s := &schedule.Schedule{
		ID:         "O1",
		Recurrence: schedule.Once,
		Steps:      []schedule.Step{{NodeID: 1, DurationMS: 1000}},
		PumpLeadMS: 1000,
		PumpLagMS:  1000,
		Enabled:    true,
	}
	clk := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local), mono: 1000}
	s.StartEpoch = clk.now.Add(time.Minute).Unix()
	s.NextRunEpoch = s.StartEpoch

	store := newFakeStore(s)
	sender := &fakeSender{failOpen: make(map[uint8]bool)}
	e := New(DefaultConfig(), store, sender, &fakePump{}, clk)
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ctx := context.Background()
	clk.advance(time.Minute)
	e.Tick(ctx) // due
	clk.advance(time.Second)
	e.Tick(ctx) // open
	clk.advance(time.Second)
	e.Tick(ctx) // close, lag
	clk.advance(time.Second)
	e.Tick(ctx) // pump off

	if e.Status().State != StateIdle {
		t.Fatalf("state = %v", e.Status().State)
	}
	if enabled, ok := store.enabled["O1"]; !ok || enabled {
		t.Error("one-shot should be disabled after a successful run")
	}
	if s.Enabled {
		t.Error("ready-set copy should be disabled too")
	}
}

func TestDisabledScheduleNeverRuns(t *testing.T) {
	s := dailySchedule()
	s.Enabled = false
	h := newHarness(t, s)

	h.tickAfter(time.Minute)
	if h.engine.Status().State != StateIdle {
		t.Error("disabled schedule should not start")
	}
}
