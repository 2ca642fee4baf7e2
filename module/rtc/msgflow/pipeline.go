package msgflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"FamLink/module/rtc/event"
	"FamLink/module/rtc/model"
	"FamLink/service/bus"
	"FamLink/tools/errs"
	"FamLink/tools/ids"
)

// TypingCanceller lets the pipeline cut a sender's typing signal the moment
// their message commits, without importing the debouncer package.
type TypingCanceller interface {
	CancelOnMessage(conversationID, userID string)
}

// Pipeline is the send path: validate → idempotency check → sequence →
// durable append → fan out. Deduplication is keyed by the client nonce at
// three layers: single-flight for concurrent duplicates in this process,
// the store's unique index for duplicates across processes, and a pre-check
// for retries arriving after the first commit completed.
type Pipeline struct {
	store  Store
	seq    *event.Sequencer
	bus    bus.Bus
	typing TypingCanceller

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

type inflightCall struct {
	done chan struct{}
	msg  *model.Message
	err  error
}

func NewPipeline(store Store, seq *event.Sequencer, b bus.Bus, typing TypingCanceller) *Pipeline {
	return &Pipeline{
		store:    store,
		seq:      seq,
		bus:      b,
		typing:   typing,
		inflight: make(map[string]*inflightCall),
	}
}

// Send commits one message. Retries carrying the same nonce are idempotent:
// every caller receives the same committed message and sequence number.
func (p *Pipeline) Send(ctx context.Context, conversationID, senderID, body, clientNonce string) (*model.Message, error) {
	if strings.TrimSpace(clientNonce) == "" {
		return nil, errs.ErrBadNonce.WrapMsg("send", "conv", conversationID, "sender", senderID)
	}
	if conversationID == "" || senderID == "" {
		return nil, errs.ErrBadRequest.WrapMsg("conversation and sender required")
	}

	ok, err := p.store.IsParticipant(ctx, conversationID, senderID)
	if err != nil {
		if errs.IsConflict(err) {
			return nil, err
		}
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "participant check")
	}
	if !ok {
		return nil, errs.ErrNotParticipant.WithDetail(senderID + " in " + conversationID)
	}

	key := conversationID + "|" + senderID + "|" + clientNonce

	p.mu.Lock()
	if call, dup := p.inflight[key]; dup {
		p.mu.Unlock()
		select {
		case <-call.done:
			if call.err == nil && call.msg != nil && call.msg.Body != body {
				return nil, errs.ErrNonceReused.WithDetail(clientNonce)
			}
			return call.msg, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	p.inflight[key] = call
	p.mu.Unlock()

	msg, err := p.commit(ctx, conversationID, senderID, body, clientNonce)

	call.msg, call.err = msg, err
	close(call.done)
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()

	return msg, err
}

func (p *Pipeline) commit(ctx context.Context, conversationID, senderID, body, clientNonce string) (*model.Message, error) {
	// Retry after the original call already finished: return the committed
	// copy, as long as it really is the same message. A reused nonce with a
	// different body is a client bug, never silently answered.
	if existing, err := p.store.FindByNonce(ctx, conversationID, senderID, clientNonce); err == nil && existing != nil {
		if existing.Body != body {
			return nil, errs.ErrNonceReused.WithDetail(clientNonce)
		}
		return existing, nil
	}

	msg := &model.Message{
		ServerMsgID:    ids.GenerateString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		ClientNonce:    clientNonce,
		CreateTimeMS:   time.Now().UnixMilli(),
	}

	seq, err := p.seq.Assign(ctx, conversationID, func(seq int64) error {
		msg.Seq = seq
		if err := p.store.Append(ctx, msg); err != nil {
			return err
		}
		// Fan-out happens inside the commit section: publish order on the
		// conversation topic equals sequence order.
		p.bus.Publish(event.NewMessage(msg))
		return nil
	})
	if err != nil {
		// A nonce collision inside Append means another node won the race.
		// The drawn number stays voided; the caller still gets the winner's
		// message and its sequence.
		if errors.Is(err, ErrDupNonce) {
			if committed, ferr := p.store.FindByNonce(ctx, conversationID, senderID, clientNonce); ferr == nil && committed != nil {
				if committed.Body != body {
					return nil, errs.ErrNonceReused.WithDetail(clientNonce)
				}
				return committed, nil
			}
		}
		return nil, err
	}
	msg.Seq = seq

	if p.typing != nil {
		p.typing.CancelOnMessage(conversationID, senderID)
	}
	return msg, nil
}
