package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/agsys/irrigation-gateway/internal/schedule"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir, err := os.MkdirTemp("", "gateway-db-*")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := Open(filepath.Join(dir, "gateway.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSchedule(id string, versionTS int64) *schedule.Schedule {
	return &schedule.Schedule{
		ID:          id,
		Recurrence:  schedule.Daily,
		StartHour:   6,
		StartMinute: 30,
		Steps: []schedule.Step{
			{NodeID: 1, DurationMS: 60000},
			{NodeID: 2, DurationMS: 90000},
		},
		PumpLeadMS: 3000,
		PumpLagMS:  2000,
		VersionTS:  versionTS,
		Enabled:    true,
	}
}

func TestUpsertAndGetSchedule(t *testing.T) {
	db := openTestDB(t)

	want := testSchedule("A", 5)
	if err := db.UpsertSchedule(want); err != nil {
		t.Fatalf("UpsertSchedule failed: %v", err)
	}

	got, err := db.GetSchedule("A")
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if got.ID != "A" || got.Recurrence != schedule.Daily || got.StartHour != 6 ||
		got.PumpLeadMS != 3000 || got.PumpLagMS != 2000 || got.VersionTS != 5 || !got.Enabled {
		t.Errorf("schedule = %+v", got)
	}
	if len(got.Steps) != 2 || got.Steps[0].NodeID != 1 || got.Steps[1].DurationMS != 90000 {
		t.Errorf("steps = %+v", got.Steps)
	}
}

func TestUpsertScheduleStaleVersionIgnored(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertSchedule(testSchedule("A", 5)); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	stale := testSchedule("A", 3)
	stale.StartHour = 9
	if err := db.UpsertSchedule(stale); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("err = %v, want ErrStaleVersion", err)
	}

	got, err := db.GetSchedule("A")
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if got.StartHour != 6 || got.VersionTS != 5 {
		t.Errorf("stale version overwrote record: %+v", got)
	}
}

func TestUpsertScheduleEqualVersionReplaces(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertSchedule(testSchedule("A", 5)); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	resend := testSchedule("A", 5)
	resend.Steps = resend.Steps[:1]
	if err := db.UpsertSchedule(resend); err != nil {
		t.Fatalf("equal-version upsert failed: %v", err)
	}

	got, err := db.GetSchedule("A")
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if len(got.Steps) != 1 {
		t.Errorf("steps = %+v, want 1 step", got.Steps)
	}
}

func TestUpsertScheduleLimit(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < schedule.MaxSchedules; i++ {
		if err := db.UpsertSchedule(testSchedule(fmt.Sprintf("S%d", i), 1)); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}

	if err := db.UpsertSchedule(testSchedule("overflow", 1)); !errors.Is(err, ErrScheduleLimit) {
		t.Fatalf("err = %v, want ErrScheduleLimit", err)
	}

	// Replacing an existing id is still allowed at the limit.
	if err := db.UpsertSchedule(testSchedule("S0", 2)); err != nil {
		t.Errorf("replacement at limit failed: %v", err)
	}
}

func TestDeleteSchedule(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertSchedule(testSchedule("A", 1)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := db.DeleteSchedule("A"); err != nil {
		t.Fatalf("DeleteSchedule failed: %v", err)
	}
	if _, err := db.GetSchedule("A"); err == nil {
		t.Error("deleted schedule still readable")
	}

	// Unknown id is a no-op.
	if err := db.DeleteSchedule("missing"); err != nil {
		t.Errorf("delete of unknown id failed: %v", err)
	}
}

func TestNextMessageIDMonotonic(t *testing.T) {
	db := openTestDB(t)

	prev, err := db.NextMessageID()
	if err != nil {
		t.Fatalf("NextMessageID failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		mid, err := db.NextMessageID()
		if err != nil {
			t.Fatalf("NextMessageID failed: %v", err)
		}
		if mid != prev+1 {
			t.Errorf("mid = %d, want %d", mid, prev+1)
		}
		prev = mid
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if _, _, ok, err := db.LoadCheckpoint(); err != nil || ok {
		t.Fatalf("empty checkpoint: ok=%v err=%v", ok, err)
	}

	if err := db.SaveCheckpoint("A", 1); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	id, idx, ok, err := db.LoadCheckpoint()
	if err != nil || !ok || id != "A" || idx != 1 {
		t.Fatalf("LoadCheckpoint = %q,%d,%v,%v", id, idx, ok, err)
	}

	// Overwrites, never accumulates.
	if err := db.SaveCheckpoint("A", 2); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if _, idx, _, _ := db.LoadCheckpoint(); idx != 2 {
		t.Errorf("step_idx = %d, want 2", idx)
	}

	if err := db.ClearCheckpoint(); err != nil {
		t.Fatalf("ClearCheckpoint failed: %v", err)
	}
	if _, _, ok, _ := db.LoadCheckpoint(); ok {
		t.Error("checkpoint survived clear")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if v, err := db.GetSetting(SettingSharedToken); err != nil || v != "" {
		t.Fatalf("missing key: %q, %v", v, err)
	}
	if err := db.SetSetting(SettingSharedToken, "MYTOK"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if v, _ := db.GetSetting(SettingSharedToken); v != "MYTOK" {
		t.Errorf("value = %q, want MYTOK", v)
	}
	if err := db.SetSetting(SettingSharedToken, "NEWTOK"); err != nil {
		t.Fatalf("SetSetting update failed: %v", err)
	}
	if v, _ := db.GetSetting(SettingSharedToken); v != "NEWTOK" {
		t.Errorf("value = %q, want NEWTOK", v)
	}
}

func TestEventLog(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 3; i++ {
		if err := db.InsertEvent("sch", fmt.Sprintf("event %d", i)); err != nil {
			t.Fatalf("InsertEvent failed: %v", err)
		}
	}
	events, err := db.GetRecentEvents(2)
	if err != nil {
		t.Fatalf("GetRecentEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].Detail != "event 2" {
		t.Errorf("events = %+v", events)
	}
}
