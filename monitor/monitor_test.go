package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"talos"
	"talos/device"
	"talos/health"
	"talos/internal/pubsub"
	"talos/modbus"
)

// --- fakes ---

type fakeBus struct {
	connectErr error
	readErr    error

	regs      map[uint16]uint16
	readCalls int
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: make(map[uint16]uint16)}
}

func (b *fakeBus) EnsureConnected() error { return b.connectErr }

func (b *fakeBus) ReadRegs(slaveID uint8, kind modbus.RegKind, start, count uint16) ([]uint16, error) {
	b.readCalls++
	if b.readErr != nil {
		return nil, b.readErr
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = b.regs[start+uint16(i)]
	}
	return out, nil
}

func (b *fakeBus) ReadBits(slaveID uint8, kind modbus.RegKind, start, count uint16) ([]bool, error) {
	b.readCalls++
	return make([]bool, count), nil
}

func (b *fakeBus) WriteReg(slaveID uint8, addr, value uint16) error { return nil }

func (b *fakeBus) WriteRegs(slaveID uint8, addr uint16, values []uint16) error { return nil }

func (b *fakeBus) WriteBit(slaveID uint8, addr uint16, on bool) error { return nil }

func (b *fakeBus) Close() error { return nil }

// --- helpers ---

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time          { return c.now }
func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func off(v uint16) *uint16 { return &v }

func testDevice(t *testing.T, bus modbus.Bus) *device.Device {
	t.Helper()
	m, err := device.NewRegisterMap(map[string]*device.RegisterDef{
		"STATUS": {Offset: off(0), Format: device.U16, Readable: true},
		"HZ":     {Offset: off(1), Format: device.U16, Readable: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := device.New(device.Config{
		Model:      "TECO_VFD",
		SlaveID:    2,
		DeviceType: "inverter",
		Bus:        bus,
		Registers:  m,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func testMonitor(t *testing.T, bus modbus.Bus, hm *health.Manager, clock *stepClock, virtual []VirtualDevice) (*Monitor, *pubsub.Subscription) {
	t.Helper()
	pb := pubsub.New()
	t.Cleanup(pb.Close)
	sub := pb.Subscribe(talos.TopicDeviceSnapshot)
	m := New(Config{DeviceTimeout: time.Second}, pb, []*device.Device{testDevice(t, bus)}, virtual, hm, clock.Now)
	return m, sub
}

func recvSnap(t *testing.T, sub *pubsub.Subscription) talos.Snapshot {
	t.Helper()
	select {
	case msg := <-sub.C:
		snap, ok := msg.(talos.Snapshot)
		if !ok {
			t.Fatalf("message %T is not a snapshot", msg)
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
		return talos.Snapshot{}
	}
}

func TestPollPublishesOnlineSnapshot(t *testing.T) {
	bus := newFakeBus()
	bus.regs[0] = 7
	bus.regs[1] = 500
	clock := &stepClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	hm := health.NewManager(health.Params{FailThreshold: 3, Cooldown: time.Minute}, clock.Now)

	m, sub := testMonitor(t, bus, hm, clock, nil)
	m.pollOnce(context.Background())

	snap := recvSnap(t, sub)
	if snap.DeviceID != "TECO_VFD_2" || !snap.IsOnline() {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Values["STATUS"] != 7 || snap.Values["HZ"] != 500 {
		t.Fatalf("values = %v", snap.Values)
	}
	if !snap.SamplingTS.Equal(clock.Now()) {
		t.Fatalf("sampling ts = %v", snap.SamplingTS)
	}
}

func TestPollSkipsDeviceInCooldown(t *testing.T) {
	bus := newFakeBus()
	clock := &stepClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	hm := health.NewManager(health.Params{FailThreshold: 1, Cooldown: time.Minute}, clock.Now)
	hm.MarkFailure("TECO_VFD_2")

	m, sub := testMonitor(t, bus, hm, clock, nil)
	m.pollOnce(context.Background())

	snap := recvSnap(t, sub)
	if snap.IsOnline() {
		t.Fatal("cooling device must publish an offline snapshot")
	}
	if snap.Values["STATUS"] != talos.Sentinel || snap.Values["HZ"] != talos.Sentinel {
		t.Fatalf("values = %v", snap.Values)
	}
	if bus.readCalls != 0 {
		t.Fatalf("cooling device was read %d times", bus.readCalls)
	}
}

func TestPollProbesAfterCooldownAndRecovers(t *testing.T) {
	bus := newFakeBus()
	bus.regs[1] = 500
	clock := &stepClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	hm := health.NewManager(health.Params{FailThreshold: 1, Cooldown: time.Minute}, clock.Now)
	hm.MarkFailure("TECO_VFD_2")
	clock.Advance(2 * time.Minute)

	m, sub := testMonitor(t, bus, hm, clock, nil)
	m.pollOnce(context.Background())

	snap := recvSnap(t, sub)
	if !snap.IsOnline() {
		t.Fatalf("recovered device must read normally, snapshot = %+v", snap)
	}
	if !hm.IsHealthy("TECO_VFD_2") {
		t.Fatal("successful probe must mark the device healthy")
	}
}

func TestPollFailedProbeRearmsCooldown(t *testing.T) {
	bus := newFakeBus()
	bus.readErr = errors.New("no response")
	clock := &stepClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	hm := health.NewManager(health.Params{FailThreshold: 1, Cooldown: time.Minute}, clock.Now)
	hm.MarkFailure("TECO_VFD_2")
	clock.Advance(2 * time.Minute)

	m, sub := testMonitor(t, bus, hm, clock, nil)
	m.pollOnce(context.Background())

	snap := recvSnap(t, sub)
	if snap.IsOnline() {
		t.Fatal("failed probe must publish an offline snapshot")
	}
	if !hm.InCooldown("TECO_VFD_2") {
		t.Fatal("failed probe must re-arm the cooldown")
	}
	if bus.readCalls != 1 {
		t.Fatalf("only the probe read may happen, got %d calls", bus.readCalls)
	}
}

func TestPollRepeatedFailuresEnterCooldown(t *testing.T) {
	bus := newFakeBus()
	bus.connectErr = errors.New("port gone")
	clock := &stepClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	hm := health.NewManager(health.Params{FailThreshold: 3, Cooldown: time.Minute}, clock.Now)

	m, sub := testMonitor(t, bus, hm, clock, nil)
	for i := 0; i < 3; i++ {
		m.pollOnce(context.Background())
		if snap := recvSnap(t, sub); snap.IsOnline() {
			t.Fatal("unreachable device must publish offline snapshots")
		}
	}
	if !hm.InCooldown("TECO_VFD_2") {
		t.Fatal("third consecutive failure must start the cooldown")
	}
}

func TestVirtualDeviceDerivesFromCycle(t *testing.T) {
	bus := newFakeBus()
	bus.regs[0] = 7
	bus.regs[1] = 500
	clock := &stepClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	hm := health.NewManager(health.Params{FailThreshold: 3, Cooldown: time.Minute}, clock.Now)

	virtual := []VirtualDevice{{
		Model:      "PLANT",
		SlaveID:    1,
		DeviceType: "io",
		Params: map[string]SourceRef{
			"SPEED":   {DeviceID: "TECO_VFD_2", Param: "HZ"},
			"MISSING": {DeviceID: "GHOST_9", Param: "X"},
		},
	}}
	m, sub := testMonitor(t, bus, hm, clock, virtual)
	m.pollOnce(context.Background())

	var virtSnap talos.Snapshot
	for i := 0; i < 2; i++ {
		snap := recvSnap(t, sub)
		if snap.DeviceID == "PLANT_1" {
			virtSnap = snap
		}
	}
	if virtSnap.DeviceID == "" {
		t.Fatal("virtual snapshot was not published")
	}
	if virtSnap.Values["SPEED"] != 500 {
		t.Fatalf("SPEED = %v", virtSnap.Values["SPEED"])
	}
	if virtSnap.Values["MISSING"] != talos.Sentinel {
		t.Fatalf("unresolved source must carry the sentinel, got %v", virtSnap.Values["MISSING"])
	}
}

func TestDeriveAllUnresolvedIsOffline(t *testing.T) {
	v := VirtualDevice{
		Model: "PLANT", SlaveID: 1, DeviceType: "io",
		Params: map[string]SourceRef{"X": {DeviceID: "GHOST_9", Param: "X"}},
	}
	snap := v.Derive(map[string]talos.Snapshot{}, time.Now())
	if snap.IsOnline() {
		t.Fatal("a fully unresolved virtual device must read offline")
	}
}
