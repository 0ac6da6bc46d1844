// Package monitor polls every device on a fixed interval, applies health
// pacing, and publishes the resulting snapshots.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"talos"
	"talos/device"
	"talos/health"
	"talos/internal/metrics"
	"talos/internal/pubsub"

	"golang.org/x/sync/semaphore"
)

// Config tunes the poll loop.
type Config struct {
	Interval        time.Duration
	DeviceTimeout   time.Duration
	ReadConcurrency int64
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.DeviceTimeout <= 0 {
		c.DeviceTimeout = 5 * time.Second
	}
	if c.ReadConcurrency <= 0 {
		c.ReadConcurrency = 4
	}
	return c
}

// Monitor owns the poll cycle for a set of devices.
type Monitor struct {
	cfg     Config
	bus     *pubsub.Bus
	devices []*device.Device
	virtual []VirtualDevice
	health  *health.Manager
	clock   func() time.Time
}

// New builds a monitor. clock may be nil.
func New(cfg Config, bus *pubsub.Bus, devices []*device.Device, virtual []VirtualDevice, hm *health.Manager, clock func() time.Time) *Monitor {
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		cfg:     cfg.normalized(),
		bus:     bus,
		devices: devices,
		virtual: virtual,
		health:  hm,
		clock:   clock,
	}
}

// Run polls until ctx is done. In-flight reads drain before return,
// bounded by the device timeout.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce runs one full cycle: every device concurrently under the
// semaphore, then the derived virtual snapshots.
func (m *Monitor) pollOnce(ctx context.Context) {
	start := m.clock()
	sem := semaphore.NewWeighted(m.cfg.ReadConcurrency)

	var mu sync.Mutex
	cycle := make(map[string]talos.Snapshot, len(m.devices))

	var wg sync.WaitGroup
	for _, dev := range m.devices {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // shutting down; in-flight reads still drain below
		}
		wg.Add(1)
		go func(dev *device.Device) {
			defer wg.Done()
			defer sem.Release(1)
			snap := m.pollDevice(dev)
			mu.Lock()
			cycle[snap.DeviceID] = snap
			mu.Unlock()
			m.publish(snap)
		}(dev)
	}
	wg.Wait()

	for _, v := range m.virtual {
		m.publish(v.Derive(cycle, m.clock()))
	}

	metrics.PollDuration.Observe(m.clock().Sub(start).Seconds())
}

// pollDevice reads one device, consulting and feeding the health manager.
func (m *Monitor) pollDevice(dev *device.Device) talos.Snapshot {
	id := dev.ID()
	now := m.clock()

	if m.health.InCooldown(id) {
		return talos.OfflineSnapshot(id, dev.Model(), dev.SlaveID(), dev.Type(), dev.ReadableParams(), now)
	}

	if m.health.ShouldProbe(id) {
		if err := health.QuickCheck(dev); err != nil {
			slog.Debug("health probe failed", "device", id, "err", err)
			m.health.MarkFailure(id)
			return talos.OfflineSnapshot(id, dev.Model(), dev.SlaveID(), dev.Type(), dev.ReadableParams(), now)
		}
		m.health.MarkSuccess(id)
	}

	values, timedOut := m.readWithTimeout(dev)
	snap := talos.Snapshot{
		DeviceID:   id,
		Model:      dev.Model(),
		SlaveID:    dev.SlaveID(),
		DeviceType: dev.Type(),
		SamplingTS: now,
		Values:     values,
	}

	if timedOut || !snap.IsOnline() {
		m.health.MarkFailure(id)
	} else {
		m.health.MarkSuccess(id)
	}
	return snap
}

// readWithTimeout bounds one ReadAll. A timed-out read keeps running in
// its goroutine until the bus call returns; its result is discarded.
func (m *Monitor) readWithTimeout(dev *device.Device) (map[string]float64, bool) {
	done := make(chan map[string]float64, 1)
	go func() { done <- dev.ReadAll() }()

	timer := time.NewTimer(m.cfg.DeviceTimeout)
	defer timer.Stop()

	select {
	case values := <-done:
		return values, false
	case <-timer.C:
		slog.Warn("device read timed out", "device", dev.ID(), "timeout", m.cfg.DeviceTimeout)
		return talos.OfflineSnapshot(dev.ID(), dev.Model(), dev.SlaveID(), dev.Type(), dev.ReadableParams(), m.clock()).Values, true
	}
}

func (m *Monitor) publish(snap talos.Snapshot) {
	online := 0.0
	if snap.IsOnline() {
		online = 1
	}
	metrics.DeviceOnline.WithLabelValues(snap.DeviceID).Set(online)
	m.bus.Publish(talos.TopicDeviceSnapshot, snap)
}
