package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"talos"
	"talos/internal/metrics"
	"talos/internal/pubsub"

	"golang.org/x/sync/errgroup"
)

// Config tunes the sender loops. Durations derive from the *_sec fields
// of the sender config file.
type Config struct {
	URL       string
	GatewayID string

	Interval    time.Duration // tick interval
	Anchor      time.Duration // tick anchor offset from midnight
	FreshWindow time.Duration // max snapshot age for inclusion

	// LastKnownTTL > 0 lets a stale snapshot ride along as the device's
	// last known value. 0 disables the fallback.
	LastKnownTTL time.Duration

	AttemptCount int           // in-tick POST attempts
	AttemptGap   time.Duration // gap between in-tick attempts
	HTTPTimeout  time.Duration

	OutboxDir     string
	ProtectRecent time.Duration

	ResendStartDelay   time.Duration
	FailResendInterval time.Duration
	ResendAnchorOffset time.Duration
	FailResendBatch    int
	// MaxRetry -1 retries forever; n >= 0 marks the file .fail at n.
	MaxRetry int
	// LastPostOkWithin > 0 gates the resend worker: skip the cycle
	// unless a POST succeeded within this window. 0 disables the gate.
	LastPostOkWithin time.Duration

	Quota QuotaConfig
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.FreshWindow <= 0 {
		c.FreshWindow = c.Interval
	}
	if c.AttemptCount < 1 {
		c.AttemptCount = 2
	}
	if c.FailResendInterval <= 0 {
		c.FailResendInterval = 2 * time.Minute
	}
	if c.FailResendBatch <= 0 {
		c.FailResendBatch = 5
	}
	return c
}

// Sender batches the latest snapshots on an aligned tick, persists each
// payload before posting, and replays failed payloads from the outbox.
type Sender struct {
	cfg       Config
	bus       *pubsub.Bus
	converter *Converter
	outbox    *Outbox
	client    *Client
	clock     func() time.Time

	mu         sync.Mutex
	latest     map[string]talos.Snapshot // deviceID -> newest snapshot
	lastSent   map[string]time.Time      // deviceID -> samplingTs last shipped
	lastPostOk time.Time
}

// New wires the sender. clock may be nil.
func New(cfg Config, bus *pubsub.Bus, converter *Converter, clock func() time.Time) (*Sender, error) {
	cfg = cfg.normalized()
	if cfg.URL == "" {
		return nil, fmt.Errorf("sender: missing upstream url")
	}
	outbox, err := NewOutbox(cfg.OutboxDir, cfg.ProtectRecent)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	return &Sender{
		cfg:       cfg,
		bus:       bus,
		converter: converter,
		outbox:    outbox,
		client:    NewClient(cfg.URL, cfg.HTTPTimeout, cfg.AttemptCount, cfg.AttemptGap),
		clock:     clock,
		latest:    make(map[string]talos.Snapshot),
		lastSent:  make(map[string]time.Time),
	}, nil
}

// Outbox exposes the underlying outbox for status views.
func (s *Sender) Outbox() *Outbox { return s.outbox }

// LastPostOkAt returns the time of the last successful POST, zero if none.
func (s *Sender) LastPostOkAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPostOk
}

// Run drives the cache, tick, and resend loops until ctx is done.
func (s *Sender) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.cacheLoop(ctx) })
	g.Go(func() error { return s.tickLoop(ctx) })
	g.Go(func() error { return s.resendLoop(ctx) })
	return g.Wait()
}

// cacheLoop keeps the newest snapshot per device.
func (s *Sender) cacheLoop(ctx context.Context) error {
	sub := s.bus.Subscribe(talos.TopicDeviceSnapshot)
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
			s.mu.Lock()
			if prev, ok := s.latest[snap.DeviceID]; !ok || snap.SamplingTS.After(prev.SamplingTS) {
				s.latest[snap.DeviceID] = snap
			}
			s.mu.Unlock()
		}
	}
}

// tickLoop fires at wall-clock instants aligned to (anchor, interval).
func (s *Sender) tickLoop(ctx context.Context) error {
	for {
		tick := NextTick(s.clock(), s.cfg.Anchor, s.cfg.Interval)
		timer := time.NewTimer(tick.Sub(s.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.runTick(ctx, tick)
	}
}

func (s *Sender) runTick(ctx context.Context, tick time.Time) {
	items := s.collect(tick)
	metrics.OutboxPending.Set(float64(s.outbox.PendingCount()))
	if len(items) == 0 {
		slog.Debug("tick produced no payload", "tick", tick)
		return
	}

	envelope := s.converter.BuildEnvelope(tick, items)
	payload, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("marshal upstream payload", "err", err)
		return
	}

	path, err := s.outbox.Save(payload, tick)
	if err != nil {
		// Without a disk copy the payload must not be posted; a success
		// we could not record would be resent forever.
		slog.Error("persist upstream payload", "err", err)
		return
	}

	if err := s.client.Post(ctx, payload); err != nil {
		slog.Warn("upstream post failed, payload queued",
			"file", path, "devices", len(items), "err", err)
		return
	}
	s.markPostOk()
	if err := s.outbox.Delete(path); err != nil {
		slog.Warn("delete sent payload", "file", path, "err", err)
	}
	slog.Info("upstream payload sent", "tick", tick, "devices", len(items))
}

// collect gathers fresh snapshots plus last-known fallbacks, deduplicated
// against the previous tick by samplingTs.
func (s *Sender) collect(tick time.Time) []DeviceItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []DeviceItem
	for id, snap := range s.latest {
		age := tick.Sub(snap.SamplingTS)
		fresh := age <= s.cfg.FreshWindow
		fallback := s.cfg.LastKnownTTL > 0 && age <= s.cfg.LastKnownTTL
		if !fresh && !fallback {
			continue
		}
		if last, ok := s.lastSent[id]; ok && last.Equal(snap.SamplingTS) {
			continue
		}
		item, ok := s.converter.Convert(snap)
		if !ok {
			continue
		}
		items = append(items, item)
		s.lastSent[id] = snap.SamplingTS
	}
	return items
}

// resendLoop replays queued payloads after a start delay, on an interval
// aligned to the resend anchor offset.
func (s *Sender) resendLoop(ctx context.Context) error {
	if s.cfg.ResendStartDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ResendStartDelay):
		}
	}

	for {
		next := NextTick(s.clock(), s.cfg.ResendAnchorOffset, s.cfg.FailResendInterval)
		timer := time.NewTimer(next.Sub(s.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.runResend(ctx)
	}
}

func (s *Sender) runResend(ctx context.Context) {
	if n, err := s.outbox.EnforceQuota(s.cfg.Quota); err != nil {
		slog.Warn("outbox quota check failed", "err", err)
	} else if n > 0 {
		slog.Warn("outbox over budget, payloads dropped", "deleted", n)
	}
	defer metrics.OutboxPending.Set(float64(s.outbox.PendingCount()))

	if s.cfg.LastPostOkWithin > 0 {
		last := s.LastPostOkAt()
		if last.IsZero() || s.clock().Sub(last) > s.cfg.LastPostOkWithin {
			slog.Debug("resend skipped, upstream unproven", "last_post_ok", last)
			return
		}
	}

	files, err := s.outbox.Pending(s.cfg.FailResendBatch)
	if err != nil {
		slog.Warn("list outbox", "err", err)
		return
	}

	for _, f := range files {
		if ctx.Err() != nil {
			return
		}
		payload, err := readPayload(f.Path)
		if err != nil {
			slog.Warn("read queued payload", "file", f.Path, "err", err)
			continue
		}
		if err := s.client.Post(ctx, payload); err != nil {
			newPath, bumpErr := s.outbox.Bump(f.Path, s.cfg.MaxRetry)
			if bumpErr != nil {
				slog.Warn("bump queued payload", "file", f.Path, "err", bumpErr)
				continue
			}
			slog.Warn("resend failed", "file", newPath, "retries", f.Retries+1, "err", err)
			continue
		}
		s.markPostOk()
		if err := s.outbox.Delete(f.Path); err != nil {
			slog.Warn("delete resent payload", "file", f.Path, "err", err)
		} else {
			slog.Info("queued payload resent", "file", f.Path)
		}
	}
}

func readPayload(path string) ([]byte, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read outbox payload: %w", err)
	}
	return payload, nil
}

func (s *Sender) markPostOk() {
	s.mu.Lock()
	s.lastPostOk = s.clock()
	s.mu.Unlock()
}
