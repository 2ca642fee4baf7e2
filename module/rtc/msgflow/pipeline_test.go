package msgflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"FamLink/module/rtc/event"
	"FamLink/service/bus"
	"FamLink/tools/errs"
)

// recordBus captures published envelopes without fan-out machinery.
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

func (b *recordBus) messageSeqs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var seqs []int64
	for _, ev := range b.evs {
		if ev.Type == event.TypeMessage {
			seqs = append(seqs, ev.Seq)
		}
	}
	return seqs
}

func (b *recordBus) count(t event.Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.evs {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type recordTyping struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordTyping) CancelOnMessage(conversationID, userID string) {
	r.mu.Lock()
	r.calls = append(r.calls, conversationID+"|"+userID)
	r.mu.Unlock()
}

func newTestPipeline(t *testing.T) (*Pipeline, *MemStore, *recordBus, *recordTyping) {
	t.Helper()
	store := NewMemStore()
	if err := store.EnsureConversation(context.Background(), "c1", []string{"alice", "bob"}); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	b := &recordBus{}
	typ := &recordTyping{}
	p := NewPipeline(store, event.NewSequencer(store.MaxSeq), b, typ)
	return p, store, b, typ
}

func TestSendAssignsSequence(t *testing.T) {
	p, _, b, typ := newTestPipeline(t)
	ctx := context.Background()

	m1, err := p.Send(ctx, "c1", "alice", "hi", "n1")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	m2, err := p.Send(ctx, "c1", "bob", "hey", "n2")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m1.Seq != 1 || m2.Seq != 2 {
		t.Fatalf("seqs = %d,%d, want 1,2", m1.Seq, m2.Seq)
	}
	if m1.ServerMsgID == "" || m1.ServerMsgID == m2.ServerMsgID {
		t.Fatalf("server msg ids must be unique and non-empty")
	}
	if got := b.count(event.TypeMessage); got != 2 {
		t.Fatalf("published %d message events, want 2", got)
	}
	typ.mu.Lock()
	defer typ.mu.Unlock()
	if len(typ.calls) != 2 {
		t.Fatalf("typing cancelled %d times, want 2", len(typ.calls))
	}
}

func TestSendBlankNonceRejected(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	if _, err := p.Send(context.Background(), "c1", "alice", "hi", "  "); !errors.Is(err, errs.ErrBadNonce) {
		t.Fatalf("err = %v, want ErrBadNonce", err)
	}
}

func TestSendNonParticipantRejected(t *testing.T) {
	p, _, b, _ := newTestPipeline(t)
	if _, err := p.Send(context.Background(), "c1", "mallory", "hi", "n1"); !errors.Is(err, errs.ErrNotParticipant) {
		t.Fatalf("err = %v, want ErrNotParticipant", err)
	}
	if got := b.count(event.TypeMessage); got != 0 {
		t.Fatalf("rejected send must not publish, got %d events", got)
	}
}

func TestSendUnknownConversation(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	if _, err := p.Send(context.Background(), "nope", "alice", "hi", "n1"); !errors.Is(err, errs.ErrConvNotFound) {
		t.Fatalf("err = %v, want ErrConvNotFound", err)
	}
}

func TestSendRetrySameNonceIdempotent(t *testing.T) {
	p, store, b, _ := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Send(ctx, "c1", "alice", "hi", "n1")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	retry, err := p.Send(ctx, "c1", "alice", "hi", "n1")
	if err != nil {
		t.Fatalf("retry Send: %v", err)
	}
	if retry.Seq != first.Seq || retry.ServerMsgID != first.ServerMsgID {
		t.Fatalf("retry got seq=%d id=%s, want seq=%d id=%s",
			retry.Seq, retry.ServerMsgID, first.Seq, first.ServerMsgID)
	}

	msgs, _ := store.Query(ctx, "c1", 0, 0)
	if len(msgs) != 1 {
		t.Fatalf("store holds %d messages, want 1", len(msgs))
	}
	if got := b.count(event.TypeMessage); got != 1 {
		t.Fatalf("published %d message events, want 1", got)
	}
}

func TestSendReusedNonceDifferentBody(t *testing.T) {
	p, store, b, _ := newTestPipeline(t)
	ctx := context.Background()

	if _, err := p.Send(ctx, "c1", "alice", "hi", "n1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := p.Send(ctx, "c1", "alice", "something else", "n1"); !errors.Is(err, errs.ErrNonceReused) {
		t.Fatalf("err = %v, want ErrNonceReused", err)
	}

	msgs, _ := store.Query(ctx, "c1", 0, 0)
	if len(msgs) != 1 || msgs[0].Body != "hi" {
		t.Fatalf("store = %d messages, original body must survive", len(msgs))
	}
	if got := b.count(event.TypeMessage); got != 1 {
		t.Fatalf("published %d message events, want 1", got)
	}
}

func TestSendPublishOrderMatchesSequence(t *testing.T) {
	p, _, b, _ := newTestPipeline(t)
	ctx := context.Background()
	const n = 32

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := p.Send(ctx, "c1", "alice", "hi", "n"+string(rune('a'+i%26))+string(rune('a'+i/26))); err != nil {
				t.Errorf("Send: %v", err)
			}
		}(i)
	}
	wg.Wait()

	seqs := b.messageSeqs()
	if len(seqs) != n {
		t.Fatalf("published %d message events, want %d", len(seqs), n)
	}
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("publish order broken: position %d carries seq %d", i, s)
		}
	}
}

func TestSendConcurrentDuplicateNonce(t *testing.T) {
	p, store, b, _ := newTestPipeline(t)
	ctx := context.Background()
	const n = 16

	results := make([]*struct {
		seq int64
		id  string
	}, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := p.Send(ctx, "c1", "alice", "hi", "same-nonce")
			if err != nil {
				t.Errorf("Send: %v", err)
				return
			}
			results[i] = &struct {
				seq int64
				id  string
			}{m.Seq, m.ServerMsgID}
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] == nil || results[0] == nil {
			t.Fatal("missing result")
		}
		if results[i].seq != results[0].seq || results[i].id != results[0].id {
			t.Fatalf("caller %d saw seq=%d id=%s, caller 0 saw seq=%d id=%s",
				i, results[i].seq, results[i].id, results[0].seq, results[0].id)
		}
	}

	msgs, _ := store.Query(ctx, "c1", 0, 0)
	if len(msgs) != 1 {
		t.Fatalf("store holds %d messages, want exactly 1 commit", len(msgs))
	}
	if got := b.count(event.TypeMessage); got != 1 {
		t.Fatalf("published %d message events, want 1", got)
	}
}

func TestSendDistinctNoncesSameSender(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()
	seen := make(map[int64]bool)
	for i := 0; i < 5; i++ {
		m, err := p.Send(ctx, "c1", "alice", "hi", string(rune('a'+i)))
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if seen[m.Seq] {
			t.Fatalf("seq %d assigned twice", m.Seq)
		}
		seen[m.Seq] = true
	}
}
