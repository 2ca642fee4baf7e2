package bus

import (
	"sync"
	"testing"
	"time"

	"FamLink/module/rtc/event"
	"FamLink/module/rtc/model"
)

func recv(t *testing.T, sub *Subscription) event.Envelope {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
		return event.Envelope{}
	}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected envelope: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishReachesTopicSubscribers(t *testing.T) {
	b := NewLocal(LocalConf{Origin: "gw-1"})
	defer b.Close()

	sub := b.Subscribe(event.TopicConversation("c1"))
	other := b.Subscribe(event.TopicConversation("c2"))

	b.Publish(event.NewMessage(&model.Message{ConversationID: "c1", Seq: 1}))

	ev := recv(t, sub)
	if ev.ConversationID != "c1" || ev.Seq != 1 {
		t.Fatalf("got %+v", ev)
	}
	if ev.Origin != "gw-1" {
		t.Fatalf("origin = %q, want gw-1 stamped on publish", ev.Origin)
	}
	expectNone(t, other)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewLocal(LocalConf{Origin: "gw-1"})
	defer b.Close()

	sub := b.Subscribe(event.TopicPresence)
	b.Unsubscribe(sub)
	b.Publish(event.NewPresenceChanged("mom", true, ""))
	expectNone(t, sub)
}

func TestFanOutToAllSubscribers(t *testing.T) {
	b := NewLocal(LocalConf{Origin: "gw-1"})
	defer b.Close()

	subs := []*Subscription{
		b.Subscribe(event.TopicRoom("r1")),
		b.Subscribe(event.TopicRoom("r1")),
		b.Subscribe(event.TopicRoom("r1")),
	}
	b.Publish(event.NewRoomChanged("r1", "joined", "mom", model.RoomActive))
	for i, sub := range subs {
		if ev := recv(t, sub); ev.RoomID != "r1" {
			t.Fatalf("subscriber %d got %+v", i, ev)
		}
	}
}

func TestSameTopicKeepsPublishOrder(t *testing.T) {
	b := NewLocal(LocalConf{Workers: 8, Queue: 64, SubBuffer: 512, Origin: "gw-1"})
	defer b.Close()

	subs := []*Subscription{
		b.Subscribe(event.TopicConversation("c1")),
		b.Subscribe(event.TopicConversation("c1")),
		b.Subscribe(event.TopicConversation("c1")),
		b.Subscribe(event.TopicConversation("c1")),
	}

	const n = 400
	for i := 1; i <= n; i++ {
		b.Publish(event.NewMessage(&model.Message{ConversationID: "c1", Seq: int64(i)}))
	}

	for si, sub := range subs {
		var last int64
		for i := 0; i < n; i++ {
			select {
			case ev := <-sub.C:
				if ev.Seq != last+1 {
					t.Fatalf("subscriber %d: seq %d delivered after %d", si, ev.Seq, last)
				}
				last = ev.Seq
			case <-time.After(2 * time.Second):
				t.Fatalf("subscriber %d: stalled after seq %d", si, last)
			}
		}
	}
}

type recordRelay struct {
	mu  sync.Mutex
	evs []event.Envelope
}

func (r *recordRelay) Forward(ev event.Envelope) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}
func (r *recordRelay) Close() error { return nil }

func (r *recordRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

func TestRelayForwardsLocalOnly(t *testing.T) {
	b := NewLocal(LocalConf{Origin: "gw-1"})
	defer b.Close()
	relay := &recordRelay{}
	b.AttachRelay(relay)

	sub := b.Subscribe(event.TopicConversation("c1"))

	// Locally originated: delivered and forwarded.
	b.Publish(event.NewMessage(&model.Message{ConversationID: "c1", Seq: 1}))
	recv(t, sub)
	if relay.count() != 1 {
		t.Fatalf("forwarded %d envelopes, want 1", relay.count())
	}

	// Arrived from another gateway: delivered locally, never re-forwarded.
	remote := event.NewMessage(&model.Message{ConversationID: "c1", Seq: 2})
	remote.Origin = "gw-2"
	b.Publish(remote)
	if ev := recv(t, sub); ev.Origin != "gw-2" {
		t.Fatalf("origin = %q, want gw-2 preserved", ev.Origin)
	}
	if relay.count() != 1 {
		t.Fatalf("forwarded %d envelopes, remote envelope must not loop", relay.count())
	}
}
