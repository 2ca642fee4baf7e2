package catchup

import (
	"context"

	"FamLink/module/rtc/event"
	"FamLink/module/rtc/model"
	"FamLink/module/rtc/msgflow"
	"FamLink/service/bus"
	"FamLink/tools/errs"
)

const defaultPage = 200

// Session is a resumed conversation stream: the queried backlog plus a live
// subscription opened before the query, so nothing published during the
// query is lost. Admit drops live envelopes already covered by the backlog.
type Session struct {
	ConversationID string
	Backlog        []*model.Message
	Sub            *bus.Subscription

	floor int64 // highest seq handed to the client so far
}

// Admit reports whether a live envelope should reach the client. Sequenced
// envelopes at or below the water line already delivered are duplicates
// from the subscribe-before-query overlap; everything else passes through.
func (s *Session) Admit(ev event.Envelope) bool {
	if ev.Type != event.TypeMessage {
		return true
	}
	if ev.Seq <= s.floor {
		return false
	}
	s.floor = ev.Seq
	return true
}

// Resolver replays committed messages after a reconnect. Order of work is
// fixed: subscribe first, then read the waterline, then query, so the
// backlog and the live stream overlap instead of gapping.
type Resolver struct {
	store msgflow.Store
	bus   bus.Bus
	page  int
}

func NewResolver(store msgflow.Store, b bus.Bus) *Resolver {
	return &Resolver{store: store, bus: b, page: defaultPage}
}

// Resume replays seq in (lastSeen, waterline] and returns the still-open
// subscription. A lastSeen below the retention floor cannot be replayed
// exactly and fails with a stale-cursor conflict; the caller must full-sync.
// On any error the subscription is already released.
func (r *Resolver) Resume(ctx context.Context, conversationID string, lastSeen int64) (*Session, error) {
	if lastSeen < 0 {
		return nil, errs.ErrBadRequest.WithDetail("negative cursor")
	}

	sub := r.bus.Subscribe(event.TopicConversation(conversationID))

	min, err := r.store.MinSeq(ctx, conversationID)
	if err != nil {
		r.bus.Unsubscribe(sub)
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "read retention floor", "conv", conversationID)
	}
	if lastSeen < min {
		r.bus.Unsubscribe(sub)
		return nil, errs.ErrStaleCursor.WithDetail(conversationID)
	}

	max, err := r.store.MaxSeq(ctx, conversationID)
	if err != nil {
		r.bus.Unsubscribe(sub)
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "read waterline", "conv", conversationID)
	}

	backlog := make([]*model.Message, 0)
	cursor := lastSeen
	for cursor < max {
		batch, err := r.store.Query(ctx, conversationID, cursor, r.page)
		if err != nil {
			r.bus.Unsubscribe(sub)
			return nil, errs.ErrStoreUnavailable.WrapErr(err, "query backlog", "conv", conversationID)
		}
		for _, m := range batch {
			if m.Seq > max {
				break // committed after we snapped the waterline; live stream owns it
			}
			backlog = append(backlog, m)
			cursor = m.Seq
		}
		if len(batch) == 0 {
			break
		}
	}

	floor := lastSeen
	if n := len(backlog); n > 0 {
		floor = backlog[n-1].Seq
	}
	return &Session{
		ConversationID: conversationID,
		Backlog:        backlog,
		Sub:            sub,
		floor:          floor,
	}, nil
}
