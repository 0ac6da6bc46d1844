package store

import (
	"context"
	"log/slog"
	"time"

	"talos"
	"talos/internal/pubsub"
)

// Writer consumes device snapshots and persists each one.
type Writer struct {
	bus   *pubsub.Bus
	store *Store
}

// NewWriter wires the persistence loop.
func NewWriter(bus *pubsub.Bus, store *Store) *Writer {
	return &Writer{bus: bus, store: store}
}

// Run blocks until ctx is done or the bus shuts down.
func (w *Writer) Run(ctx context.Context) error {
	sub := w.bus.Subscribe(talos.TopicDeviceSnapshot)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			snap, ok := msg.(talos.Snapshot)
			if !ok {
				continue
			}
			if err := w.store.InsertSnapshot(snap); err != nil {
				slog.Warn("snapshot insert failed", "device", snap.DeviceID, "err", err)
			}
		}
	}
}

// RetentionConfig tunes the periodic cleanup task.
type RetentionConfig struct {
	Retention      time.Duration `yaml:"retention"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	VacuumAfter    bool          `yaml:"vacuum_after"`
	VacuumInterval time.Duration `yaml:"vacuum_interval"`
}

func (c RetentionConfig) normalized() RetentionConfig {
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Hour
	}
	if c.VacuumInterval <= 0 {
		c.VacuumInterval = 7 * 24 * time.Hour
	}
	return c
}

// Cleaner periodically deletes snapshots past the retention window.
type Cleaner struct {
	store *Store
	cfg   RetentionConfig
}

// NewCleaner wires the retention task.
func NewCleaner(store *Store, cfg RetentionConfig) *Cleaner {
	cfg = cfg.normalized()
	store.SetVacuumInterval(cfg.VacuumInterval)
	return &Cleaner{store: store, cfg: cfg}
}

// Run blocks until ctx is done, running one cleanup per interval.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.runOnce()
		}
	}
}

func (c *Cleaner) runOnce() {
	cutoff := time.Now().Add(-c.cfg.Retention)
	n, err := c.store.CleanupOldSnapshots(cutoff)
	if err != nil {
		slog.Warn("snapshot cleanup failed", "err", err)
		return
	}
	if n == 0 {
		return
	}
	slog.Info("snapshot cleanup", "deleted", n, "cutoff", cutoff)
	if c.cfg.VacuumAfter {
		if ran, err := c.store.VacuumDatabase(); err != nil {
			slog.Warn("vacuum failed", "err", err)
		} else if ran {
			slog.Info("snapshot db vacuumed")
		}
	}
}
