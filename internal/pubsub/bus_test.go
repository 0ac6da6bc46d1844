package pubsub

import (
	"testing"
	"time"
)

// --- helpers ---

func drain(t *testing.T, sub *Subscription, n int) []any {
	t.Helper()
	out := make([]any, 0, n)
	for len(out) < n {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				t.Fatalf("stream closed after %d of %d messages", len(out), n)
			}
			out = append(out, msg)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestPublishPreservesOrder(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe("t")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish("t", i)
	}
	got := drain(t, sub, 5)
	for i, msg := range got {
		if msg != i {
			t.Fatalf("got[%d] = %v, want %d", i, msg, i)
		}
	}
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()
	a := b.Subscribe("t")
	c := b.Subscribe("t")
	defer a.Close()
	defer c.Close()

	b.Publish("t", "msg")
	if got := drain(t, a, 1); got[0] != "msg" {
		t.Fatalf("a got %v", got[0])
	}
	if got := drain(t, c, 1); got[0] != "msg" {
		t.Fatalf("c got %v", got[0])
	}
}

func TestDropOldestEvictsHead(t *testing.T) {
	b := New()
	defer b.Close()
	b.SetTopicPolicy("t", Policy{Capacity: 2, OnOverflow: DropOldest})
	sub := b.Subscribe("t")
	defer sub.Close()

	b.Publish("t", 1)
	b.Publish("t", 2)
	b.Publish("t", 3) // evicts 1

	got := drain(t, sub, 2)
	if got[0] != 2 || got[1] != 3 {
		t.Fatalf("got %v, want [2 3]", got)
	}
	if st := b.Stats()["t"]; st.Published != 3 {
		t.Fatalf("published = %d, want 3", st.Published)
	}
}

func TestDropNewestDiscardsPublish(t *testing.T) {
	b := New()
	defer b.Close()
	b.SetTopicPolicy("t", Policy{Capacity: 2, OnOverflow: DropNewest})
	sub := b.Subscribe("t")
	defer sub.Close()

	b.Publish("t", 1)
	b.Publish("t", 2)
	b.Publish("t", 3) // dropped

	got := drain(t, sub, 2)
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}
	if st := b.Stats()["t"]; st.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", st.Dropped)
	}
}

func TestBlockProducerWaitsForConsumer(t *testing.T) {
	b := New()
	defer b.Close()
	b.SetTopicPolicy("t", Policy{Capacity: 1, OnOverflow: BlockProducer})
	sub := b.Subscribe("t")
	defer sub.Close()

	b.Publish("t", 1)
	done := make(chan struct{})
	go func() {
		b.Publish("t", 2) // blocks until 1 is consumed
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("publish must block on a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	if got := drain(t, sub, 1); got[0] != 1 {
		t.Fatalf("got %v", got[0])
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish must unblock once the buffer drains")
	}
	if got := drain(t, sub, 1); got[0] != 2 {
		t.Fatalf("got %v", got[0])
	}
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := New()
	defer b.Close()
	b.SetTopicPolicy("t", Policy{Capacity: 1, OnOverflow: DropOldest})
	slow := b.Subscribe("t")
	fast := b.Subscribe("t")
	defer slow.Close()

	b.Publish("t", 1)
	if got := drain(t, fast, 1); got[0] != 1 {
		t.Fatalf("fast got %v", got[0])
	}
	b.Publish("t", 2) // slow's buffer overflows, fast keeps up
	if got := drain(t, fast, 1); got[0] != 2 {
		t.Fatalf("fast got %v", got[0])
	}
	fast.Close()
}

func TestCloseEndsStreams(t *testing.T) {
	b := New()
	sub := b.Subscribe("t")
	b.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected a closed stream")
		}
	case <-time.After(time.Second):
		t.Fatal("stream must close on bus shutdown")
	}

	// Publishing and subscribing after close must not panic.
	b.Publish("t", 1)
	late := b.Subscribe("t")
	if _, ok := <-late.C; ok {
		t.Fatal("late subscription must come pre-closed")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe("t")
	sub.Close()
	sub.Close()
	b.Publish("t", 1) // no active subscriber, nothing to deliver
}
