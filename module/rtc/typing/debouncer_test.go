package typing

import (
	"sync"
	"testing"
	"time"

	"FamLink/module/rtc/event"
	"FamLink/service/bus"
)

type recordBus struct {
	mu  sync.Mutex
	evs []event.Envelope
}

func (b *recordBus) Publish(ev event.Envelope) {
	b.mu.Lock()
	b.evs = append(b.evs, ev)
	b.mu.Unlock()
}
func (b *recordBus) Subscribe(topic string) *bus.Subscription { return nil }
func (b *recordBus) Unsubscribe(sub *bus.Subscription)        {}
func (b *recordBus) Close()                                   {}

func (b *recordBus) types() []event.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Type, 0, len(b.evs))
	for _, ev := range b.evs {
		out = append(out, ev.Type)
	}
	return out
}

func newTestDebouncer(t *testing.T) (*Debouncer, *recordBus, *time.Time) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	b := &recordBus{}
	d := NewDebouncer(Conf{
		TTL:        3 * time.Second,
		SweepEvery: time.Hour, // expiry driven by hand
		Clock:      func() time.Time { return now },
	}, b)
	t.Cleanup(d.Close)
	return d, b, &now
}

func TestSignalRisingEdgeOnly(t *testing.T) {
	d, b, _ := newTestDebouncer(t)

	d.Signal("c1", "mom")
	d.Signal("c1", "mom")
	d.Signal("c1", "mom")

	got := b.types()
	if len(got) != 1 || got[0] != event.TypeTypingStarted {
		t.Fatalf("events = %v, want one typing_started", got)
	}
	if !d.IsTyping("c1", "mom") {
		t.Fatal("IsTyping = false inside the window")
	}
}

func TestSignalAfterExpiryIsRisingAgain(t *testing.T) {
	d, b, now := newTestDebouncer(t)

	d.Signal("c1", "mom")
	*now = now.Add(4 * time.Second)
	d.Signal("c1", "mom")

	got := b.types()
	if len(got) != 2 || got[1] != event.TypeTypingStarted {
		t.Fatalf("events = %v, want a second typing_started after expiry", got)
	}
}

func TestSweepEmitsStopped(t *testing.T) {
	d, b, now := newTestDebouncer(t)

	d.Signal("c1", "mom")
	*now = now.Add(4 * time.Second)
	d.SweepOnce(*now)

	got := b.types()
	if len(got) != 2 || got[1] != event.TypeTypingStopped {
		t.Fatalf("events = %v, want typing_stopped from sweep", got)
	}
	if d.IsTyping("c1", "mom") {
		t.Fatal("signal survived the sweep")
	}

	// Sweep is idempotent once the signal is gone.
	d.SweepOnce(*now)
	if got := b.types(); len(got) != 2 {
		t.Fatalf("events = %v, repeat sweep must stay silent", got)
	}
}

func TestSweepKeepsLiveSignals(t *testing.T) {
	d, b, now := newTestDebouncer(t)

	d.Signal("c1", "mom")
	*now = now.Add(time.Second)
	d.SweepOnce(*now)

	if got := b.types(); len(got) != 1 {
		t.Fatalf("events = %v, live signal must not be swept", got)
	}
	if !d.IsTyping("c1", "mom") {
		t.Fatal("live signal dropped")
	}
}

func TestCancelOnMessage(t *testing.T) {
	d, b, _ := newTestDebouncer(t)

	d.Signal("c1", "mom")
	d.CancelOnMessage("c1", "mom")

	got := b.types()
	if len(got) != 2 || got[1] != event.TypeTypingStopped {
		t.Fatalf("events = %v, want typing_stopped on commit", got)
	}
	if d.IsTyping("c1", "mom") {
		t.Fatal("signal survived the commit")
	}

	// Cancelling without a live signal emits nothing.
	d.CancelOnMessage("c1", "mom")
	if got := b.types(); len(got) != 2 {
		t.Fatalf("events = %v, cancel without signal must stay silent", got)
	}
}
