package store

import (
	"path/filepath"
	"testing"
	"time"

	"talos"
)

// --- helpers ---

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSnapshot(deviceID string, ts time.Time, values map[string]float64) talos.Snapshot {
	return talos.Snapshot{
		DeviceID:   deviceID,
		Model:      "TECO_VFD",
		SlaveID:    2,
		DeviceType: "inverter",
		SamplingTS: ts,
		Values:     values,
	}
}

func TestInsertAndGetLatest(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i, hz := range []float64{50, 51, 52} {
		snap := sampleSnapshot("TECO_VFD_2", base.Add(time.Duration(i)*time.Minute),
			map[string]float64{"HZ": hz, "AMP": 3.2})
		if err := s.InsertSnapshot(snap); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetLatestByDevice("TECO_VFD_2", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(got))
	}
	if got[0].Values["HZ"] != 52 || got[0].Model != "TECO_VFD" || got[0].SlaveID != 2 {
		t.Fatalf("latest = %+v", got[0])
	}
	if !got[0].SamplingTS.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("latest ts = %v", got[0].SamplingTS)
	}

	// Newest first when asking for more than one.
	got, err = s.GetLatestByDevice("TECO_VFD_2", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Values["HZ"] != 52 || got[1].Values["HZ"] != 51 {
		t.Fatalf("latest two = %+v", got)
	}

	if got, err := s.GetLatestByDevice("GHOST_9", 1); err != nil || len(got) != 0 {
		t.Fatalf("unknown device: got=%v err=%v", got, err)
	}
}

func TestSubSecondTimestampOrdering(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	// 500ms encodes with trailing zeros, 510ms with one fewer digit under
	// a trimmed encoding; ordering must still follow the actual times.
	early := base.Add(500 * time.Millisecond)
	late := base.Add(510 * time.Millisecond)
	for _, snap := range []talos.Snapshot{
		sampleSnapshot("dev_1", early, map[string]float64{"V": 1}),
		sampleSnapshot("dev_1", late, map[string]float64{"V": 2}),
	} {
		if err := s.InsertSnapshot(snap); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetLatestByDevice("dev_1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].SamplingTS.Equal(late) {
		t.Fatalf("latest = %+v", got)
	}

	rows, err := s.GetTimeRange("dev_1", base, base.Add(time.Minute), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || !rows[0].SamplingTS.Equal(early) || !rows[1].SamplingTS.Equal(late) {
		t.Fatalf("range = %+v", rows)
	}
}

func TestGetTimeRangePagination(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		snap := sampleSnapshot("dev_1", base.Add(time.Duration(i)*time.Minute),
			map[string]float64{"V": float64(i)})
		if err := s.InsertSnapshot(snap); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetTimeRange("dev_1", base, base.Add(10*time.Minute), 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Values["V"] != 1 || got[1].Values["V"] != 2 {
		t.Fatalf("page = %+v", got)
	}

	// The range bounds are inclusive.
	got, err = s.GetTimeRange("dev_1", base.Add(time.Minute), base.Add(3*time.Minute), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("inclusive range returned %d rows", len(got))
	}
}

func TestGetParameterHistory(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i, hz := range []float64{50, 51.5} {
		snap := sampleSnapshot("dev_1", base.Add(time.Duration(i)*time.Minute),
			map[string]float64{"HZ": hz})
		if err := s.InsertSnapshot(snap); err != nil {
			t.Fatal(err)
		}
	}
	// A snapshot without the parameter must not appear in the series.
	if err := s.InsertSnapshot(sampleSnapshot("dev_1", base.Add(2*time.Minute),
		map[string]float64{"AMP": 3})); err != nil {
		t.Fatal(err)
	}

	points, err := s.GetParameterHistory("dev_1", "HZ", base, base.Add(time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("points = %+v", points)
	}
	if points[0].Value != 50 || points[1].Value != 51.5 {
		t.Fatalf("points = %+v", points)
	}
}

func TestOnlineFlagDerivedFromValues(t *testing.T) {
	s := openTestStore(t)
	ts := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	offline := sampleSnapshot("dev_1", ts, map[string]float64{"HZ": talos.Sentinel, "AMP": talos.Sentinel})
	if err := s.InsertSnapshot(offline); err != nil {
		t.Fatal(err)
	}
	var online int
	if err := s.db.QueryRow(`SELECT is_online FROM snapshots`).Scan(&online); err != nil {
		t.Fatal(err)
	}
	if online != 0 {
		t.Fatal("all-sentinel snapshot must be stored offline")
	}
}

func TestCleanupOldSnapshots(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		snap := sampleSnapshot("dev_1", base.Add(time.Duration(i)*time.Hour),
			map[string]float64{"V": 1})
		if err := s.InsertSnapshot(snap); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CleanupOldSnapshots(base.Add(2 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d rows, want 2", n)
	}
	stats, err := s.GetDBStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Snapshots != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if !stats.OldestTS.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("oldest = %v", stats.OldestTS)
	}
}

func TestVacuumIsRateLimited(t *testing.T) {
	s := openTestStore(t)

	ran, err := s.VacuumDatabase()
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("first vacuum must run")
	}
	ran, err = s.VacuumDatabase()
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("second vacuum within the interval must be skipped")
	}
}

func TestVacuumIntervalConfigurable(t *testing.T) {
	s := openTestStore(t)

	s.SetVacuumInterval(time.Nanosecond)
	for i := 0; i < 2; i++ {
		ran, err := s.VacuumDatabase()
		if err != nil {
			t.Fatal(err)
		}
		if !ran {
			t.Fatal("a nanosecond interval must allow back-to-back vacuums")
		}
	}

	s.SetVacuumInterval(time.Hour)
	ran, err := s.VacuumDatabase()
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("widening the interval must skip the next vacuum")
	}
}

func TestRuleExecutionRoundtrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.LastExecution("sched"); err != nil || ok {
		t.Fatalf("empty table: ok=%v err=%v", ok, err)
	}

	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if err := s.RecordExecution("sched", at); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LastExecution("sched")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !got.Equal(at) {
		t.Fatalf("got %v, want %v", got, at)
	}

	// Upsert replaces the previous mark.
	later := at.Add(time.Hour)
	if err := s.RecordExecution("sched", later); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.LastExecution("sched")
	if !got.Equal(later) {
		t.Fatalf("got %v, want %v", got, later)
	}
}
