package sender

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"talos"
	"talos/internal/pubsub"
)

// --- fakes ---

type upstream struct {
	srv    *httptest.Server
	hits   atomic.Int64
	status atomic.Int64
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.status.Store(http.StatusOK)
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		w.WriteHeader(int(u.status.Load()))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

// --- helpers ---

func testSender(t *testing.T, u *upstream, mutate func(*Config)) (*Sender, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)}
	cfg := Config{
		URL:          u.srv.URL,
		GatewayID:    "GW123456789",
		Interval:     time.Minute,
		AttemptCount: 1,
		AttemptGap:   time.Millisecond,
		OutboxDir:    filepath.Join(t.TempDir(), "outbox"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	conv := NewConverter(cfg.GatewayID, nil, nil)
	s, err := New(cfg, pubsub.New(), conv, clock.Now)
	if err != nil {
		t.Fatal(err)
	}
	return s, clock
}

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time          { return c.now }
func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func cache(s *Sender, snap talos.Snapshot) {
	s.mu.Lock()
	s.latest[snap.DeviceID] = snap
	s.mu.Unlock()
}

func freshSnap(ts time.Time) talos.Snapshot {
	return talos.Snapshot{
		DeviceID:   "TECO_VFD_2",
		Model:      "TECO_VFD",
		SlaveID:    2,
		DeviceType: "inverter",
		SamplingTS: ts,
		Values:     map[string]float64{"HZ": 50},
	}
}

func TestCollectFreshnessAndDedup(t *testing.T) {
	u := newUpstream(t)
	s, clock := testSender(t, u, nil)
	tick := clock.Now()

	cache(s, freshSnap(tick.Add(-30*time.Second)))
	items := s.collect(tick)
	if len(items) != 1 {
		t.Fatalf("fresh snapshot must collect, got %d items", len(items))
	}

	// Same sampling instant: deduplicated on the next tick.
	if items := s.collect(tick.Add(time.Minute)); len(items) != 0 {
		t.Fatalf("unchanged snapshot must not resend, got %d items", len(items))
	}

	// A newer reading ships again.
	cache(s, freshSnap(tick.Add(time.Second)))
	if items := s.collect(tick.Add(time.Minute)); len(items) != 1 {
		t.Fatalf("new reading must collect, got %d items", len(items))
	}
}

func TestCollectStaleNeedsFallbackTTL(t *testing.T) {
	u := newUpstream(t)
	s, clock := testSender(t, u, nil)
	tick := clock.Now()

	cache(s, freshSnap(tick.Add(-5*time.Minute)))
	if items := s.collect(tick); len(items) != 0 {
		t.Fatal("stale snapshot must be dropped without a fallback TTL")
	}

	s2, _ := testSender(t, u, func(c *Config) { c.LastKnownTTL = 10 * time.Minute })
	cache(s2, freshSnap(tick.Add(-5*time.Minute)))
	if items := s2.collect(tick); len(items) != 1 {
		t.Fatal("stale snapshot must ride along within the fallback TTL")
	}
}

func TestRunTickPersistsBeforePostAndDeletesAfter(t *testing.T) {
	u := newUpstream(t)
	s, clock := testSender(t, u, nil)
	tick := clock.Now()
	cache(s, freshSnap(tick.Add(-time.Second)))

	s.runTick(context.Background(), tick)
	if u.hits.Load() != 1 {
		t.Fatalf("hits = %d", u.hits.Load())
	}
	if n := s.Outbox().PendingCount(); n != 0 {
		t.Fatalf("sent payload must be deleted, %d pending", n)
	}
	if s.LastPostOkAt().IsZero() {
		t.Fatal("success must mark last post ok")
	}
}

func TestRunTickQueuesPayloadOnPostFailure(t *testing.T) {
	u := newUpstream(t)
	u.status.Store(http.StatusInternalServerError)
	s, clock := testSender(t, u, nil)
	tick := clock.Now()
	cache(s, freshSnap(tick.Add(-time.Second)))

	s.runTick(context.Background(), tick)
	if n := s.Outbox().PendingCount(); n != 1 {
		t.Fatalf("failed payload must stay queued, %d pending", n)
	}
	if !s.LastPostOkAt().IsZero() {
		t.Fatal("failure must not mark last post ok")
	}
}

func TestResendGateSkipsWhileUpstreamUnproven(t *testing.T) {
	u := newUpstream(t)
	s, clock := testSender(t, u, func(c *Config) {
		c.LastPostOkWithin = 5 * time.Minute
	})
	if _, err := s.outbox.Save([]byte(`{}`), clock.Now()); err != nil {
		t.Fatal(err)
	}

	// No successful POST yet: the worker must not touch the queue.
	s.runResend(context.Background())
	if u.hits.Load() != 0 {
		t.Fatalf("gated resend must not post, hits = %d", u.hits.Load())
	}

	// A recent success opens the gate.
	s.markPostOk()
	s.runResend(context.Background())
	if u.hits.Load() != 1 {
		t.Fatalf("hits = %d", u.hits.Load())
	}
	if n := s.Outbox().PendingCount(); n != 0 {
		t.Fatalf("resent payload must be deleted, %d pending", n)
	}

	// A stale success closes it again.
	if _, err := s.outbox.Save([]byte(`{}`), clock.Now()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(6 * time.Minute)
	s.runResend(context.Background())
	if u.hits.Load() != 1 {
		t.Fatalf("stale gate must skip, hits = %d", u.hits.Load())
	}
}

func TestRunResendBumpsFailedFiles(t *testing.T) {
	u := newUpstream(t)
	u.status.Store(http.StatusInternalServerError)
	s, clock := testSender(t, u, func(c *Config) { c.MaxRetry = -1 })
	path, err := s.outbox.Save([]byte(`{}`), clock.Now())
	if err != nil {
		t.Fatal(err)
	}

	s.runResend(context.Background())
	files, err := s.outbox.Pending(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Retries != 1 {
		t.Fatalf("files = %+v, want one retry1 file", files)
	}
	if files[0].Path == path {
		t.Fatal("failed file must carry a new name")
	}
}
