package health

import (
	"testing"
	"time"
)

// --- helpers ---

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time          { return c.now }
func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager() (*Manager, *stepClock) {
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(Params{FailThreshold: 3, Cooldown: time.Minute}, clock.Now)
	return m, clock
}

func TestFailureThresholdStartsCooldown(t *testing.T) {
	m, _ := newTestManager()

	m.MarkFailure("dev")
	m.MarkFailure("dev")
	if m.InCooldown("dev") {
		t.Fatal("2 failures must stay healthy at threshold 3")
	}
	m.MarkFailure("dev")
	if !m.InCooldown("dev") {
		t.Fatal("3rd failure must start cooldown")
	}
	if m.IsHealthy("dev") {
		t.Fatal("cooling device is not healthy")
	}
	if st := m.Status("dev"); st.Phase != Cooling || st.ConsecutiveFailures != 3 {
		t.Fatalf("status = %+v", st)
	}
}

func TestCooldownExpiryEnablesProbe(t *testing.T) {
	m, clock := newTestManager()
	for i := 0; i < 3; i++ {
		m.MarkFailure("dev")
	}

	if m.ShouldProbe("dev") {
		t.Fatal("probe must wait for the cooldown to expire")
	}
	clock.Advance(time.Minute)
	if m.InCooldown("dev") {
		t.Fatal("cooldown must be over after its full duration")
	}
	if !m.ShouldProbe("dev") {
		t.Fatal("expired cooldown must request a probe")
	}
}

func TestFailureDuringCooldownRearms(t *testing.T) {
	m, clock := newTestManager()
	for i := 0; i < 3; i++ {
		m.MarkFailure("dev")
	}
	clock.Advance(59 * time.Second)
	m.MarkFailure("dev")

	clock.Advance(2 * time.Second) // original cooldown would have expired
	if !m.InCooldown("dev") {
		t.Fatal("a failure while cooling must re-arm the cooldown")
	}
}

func TestSuccessResetsAndFiresRecovery(t *testing.T) {
	m, clock := newTestManager()
	var recovered []string
	m.SetOnRecover(func(id string) { recovered = append(recovered, id) })

	// A success while healthy is not a recovery.
	m.MarkSuccess("dev")
	if len(recovered) != 0 {
		t.Fatal("healthy success must not fire recovery")
	}

	for i := 0; i < 3; i++ {
		m.MarkFailure("dev")
	}
	clock.Advance(time.Minute)
	m.MarkSuccess("dev")

	if len(recovered) != 1 || recovered[0] != "dev" {
		t.Fatalf("recovered = %v", recovered)
	}
	if !m.IsHealthy("dev") || m.InCooldown("dev") {
		t.Fatal("device must be healthy after recovery")
	}
	if st := m.Status("dev"); st.ConsecutiveFailures != 0 {
		t.Fatalf("failures must reset, got %d", st.ConsecutiveFailures)
	}
}

func TestDevicesAreIndependent(t *testing.T) {
	m, _ := newTestManager()
	for i := 0; i < 3; i++ {
		m.MarkFailure("a")
	}
	if m.InCooldown("b") || !m.IsHealthy("b") {
		t.Fatal("device b must be unaffected by a's failures")
	}
	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot must only track touched devices, got %d", len(snap))
	}
}

func TestQueriesDoNotTrackUnknownDevices(t *testing.T) {
	m, _ := newTestManager()

	if m.InCooldown("x") || m.ShouldProbe("x") {
		t.Fatal("unknown device must be treated as healthy")
	}
	if st := m.Status("x"); st.Phase != Healthy {
		t.Fatalf("status = %+v", st)
	}
	if snap := m.Snapshot(); len(snap) != 0 {
		t.Fatalf("read-only queries must not create entries, got %d", len(snap))
	}
}

func TestCalculateParamsClampsCooldown(t *testing.T) {
	if p := CalculateParams(time.Second); p.Cooldown != 30*time.Second {
		t.Errorf("1s interval: cooldown = %v, want 30s floor", p.Cooldown)
	}
	if p := CalculateParams(10 * time.Second); p.Cooldown != 100*time.Second {
		t.Errorf("10s interval: cooldown = %v, want 100s", p.Cooldown)
	}
	if p := CalculateParams(5 * time.Minute); p.Cooldown != 10*time.Minute {
		t.Errorf("5m interval: cooldown = %v, want 10m ceiling", p.Cooldown)
	}
}
