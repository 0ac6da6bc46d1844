package sender

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool      = "pool.ntp.org"
	defaultNTPInterval  = 10 * time.Minute
	defaultNTPThreshold = 2 * time.Second
)

// DriftStatus is one clock drift measurement. Tick alignment is wall
// clock based, so sustained drift skews upstream timestamps.
type DriftStatus struct {
	Offset    time.Duration
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

// DriftChecker periodically measures the local clock against an NTP pool.
type DriftChecker struct {
	mu        sync.RWMutex
	status    DriftStatus
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     func() time.Time
}

// NewDriftChecker builds a checker. Empty pool and zero durations take
// the defaults; clock may be nil.
func NewDriftChecker(pool string, interval, threshold time.Duration, clock func() time.Time) *DriftChecker {
	if pool == "" {
		pool = defaultNTPPool
	}
	if interval <= 0 {
		interval = defaultNTPInterval
	}
	if threshold <= 0 {
		threshold = defaultNTPThreshold
	}
	if clock == nil {
		clock = time.Now
	}
	return &DriftChecker{pool: pool, interval: interval, threshold: threshold, clock: clock}
}

// Run blocks until ctx is done, checking once immediately and then on
// the interval.
func (d *DriftChecker) Run(ctx context.Context) error {
	d.check()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.check()
		}
	}
}

func (d *DriftChecker) check() {
	resp, err := ntp.Query(d.pool)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if err != nil {
		d.status = DriftStatus{Error: err.Error(), Healthy: false, CheckedAt: now}
		return
	}

	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	d.status = DriftStatus{
		Offset:    resp.ClockOffset,
		Healthy:   offset < d.threshold,
		CheckedAt: now,
	}
}

// Status returns the latest measurement.
func (d *DriftChecker) Status() DriftStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}
