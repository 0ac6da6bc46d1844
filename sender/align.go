// Package sender batches snapshots into upstream payloads on an aligned
// tick, persists them to a durable outbox before posting, and retries
// failed payloads from a background worker.
package sender

import "time"

// NextTick returns the next instant after now aligned to (anchor, interval)
// counted from local midnight. An aligned now maps to the following tick.
func NextTick(now time.Time, anchor, interval time.Duration) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	base := midnight.Add(anchor)

	elapsed := now.Sub(base)
	n := int64(-1)
	if elapsed >= 0 {
		n = int64(elapsed / interval)
	}
	return base.Add(time.Duration(n+1) * interval)
}
