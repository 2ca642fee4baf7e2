package catchup

import (
	"context"
	"errors"
	"testing"
	"time"

	"FamLink/module/rtc/event"
	"FamLink/module/rtc/model"
	"FamLink/module/rtc/msgflow"
	"FamLink/service/bus"
	"FamLink/tools/errs"
)

func seedStore(t *testing.T, n int) *msgflow.MemStore {
	t.Helper()
	store := msgflow.NewMemStore()
	ctx := context.Background()
	if err := store.EnsureConversation(ctx, "c1", []string{"alice", "bob"}); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	for i := 1; i <= n; i++ {
		err := store.Append(ctx, &model.Message{
			ServerMsgID:    "m" + string(rune('0'+i)),
			ConversationID: "c1",
			SenderID:       "alice",
			Body:           "msg",
			Seq:            int64(i),
			ClientNonce:    "n" + string(rune('0'+i)),
		})
		if err != nil {
			t.Fatalf("Append seq %d: %v", i, err)
		}
	}
	return store
}

func newTestResolver(t *testing.T, n int) (*Resolver, *msgflow.MemStore, *bus.Local) {
	t.Helper()
	store := seedStore(t, n)
	b := bus.NewLocal(bus.LocalConf{Origin: "gw-test"})
	t.Cleanup(b.Close)
	return NewResolver(store, b), store, b
}

func TestResumeExactWindow(t *testing.T) {
	r, _, _ := newTestResolver(t, 5)

	sess, err := r.Resume(context.Background(), "c1", 2)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(sess.Backlog) != 3 {
		t.Fatalf("backlog length = %d, want 3", len(sess.Backlog))
	}
	for i, m := range sess.Backlog {
		if m.Seq != int64(i+3) {
			t.Fatalf("backlog[%d].Seq = %d, want %d", i, m.Seq, i+3)
		}
	}
}

func TestResumeAtWaterline(t *testing.T) {
	r, _, _ := newTestResolver(t, 3)

	sess, err := r.Resume(context.Background(), "c1", 3)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(sess.Backlog) != 0 {
		t.Fatalf("backlog = %d messages, want none at the waterline", len(sess.Backlog))
	}
}

func TestResumeStaleCursor(t *testing.T) {
	r, store, _ := newTestResolver(t, 5)
	store.Compact("c1", 3)

	_, err := r.Resume(context.Background(), "c1", 2)
	if !errors.Is(err, errs.ErrStaleCursor) {
		t.Fatalf("err = %v, want ErrStaleCursor", err)
	}

	// At the floor the range (3, max] is still answerable.
	sess, err := r.Resume(context.Background(), "c1", 3)
	if err != nil {
		t.Fatalf("Resume at floor: %v", err)
	}
	if len(sess.Backlog) != 2 {
		t.Fatalf("backlog length = %d, want 2", len(sess.Backlog))
	}
}

func TestResumeNegativeCursor(t *testing.T) {
	r, _, _ := newTestResolver(t, 1)
	if _, err := r.Resume(context.Background(), "c1", -1); !errors.Is(err, errs.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestAdmitDropsBacklogOverlap(t *testing.T) {
	r, _, _ := newTestResolver(t, 4)

	sess, err := r.Resume(context.Background(), "c1", 1)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Envelopes the backlog already covered are duplicates.
	dup := event.NewMessage(&model.Message{ConversationID: "c1", Seq: 3})
	if sess.Admit(dup) {
		t.Fatal("Admit passed a seq already delivered in the backlog")
	}

	fresh := event.NewMessage(&model.Message{ConversationID: "c1", Seq: 5})
	if !sess.Admit(fresh) {
		t.Fatal("Admit dropped a fresh seq")
	}
	if sess.Admit(fresh) {
		t.Fatal("Admit passed the same seq twice")
	}

	// Non-message events always pass.
	typingEv := event.NewTyping(event.TypeTypingStarted, "c1", "bob")
	if !sess.Admit(typingEv) {
		t.Fatal("Admit dropped an unsequenced event")
	}
}

func TestResumeSubscribesBeforeQuery(t *testing.T) {
	r, _, b := newTestResolver(t, 2)

	sess, err := r.Resume(context.Background(), "c1", 0)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if sess.Sub == nil {
		t.Fatal("session carries no live subscription")
	}

	// A publish after resume lands on the session's channel.
	b.Publish(event.NewMessage(&model.Message{ConversationID: "c1", Seq: 3}))
	select {
	case ev := <-sess.Sub.C:
		if ev.Seq != 3 {
			t.Fatalf("live seq = %d, want 3", ev.Seq)
		}
		if !sess.Admit(ev) {
			t.Fatal("Admit dropped the live event past the backlog")
		}
	case <-time.After(time.Second):
		t.Fatal("live event never delivered")
	}
}
