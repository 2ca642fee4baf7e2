package event

import (
	"context"
	"sync"

	"FamLink/tools/errs"
)

// FloorFunc seeds a conversation's counter after restart, normally from the
// durable store's max committed sequence.
type FloorFunc func(ctx context.Context, conversationID string) (int64, error)

// Sequencer is the single writer for sequence assignment. One conversation
// is serialized through its own mutex; distinct conversations proceed in
// parallel. Numbers are drawn under the lock and the commit callback runs
// inside it, so assignment order equals commit order per conversation.
type Sequencer struct {
	mu    sync.Mutex
	convs map[string]*convSeq
	floor FloorFunc
}

type convSeq struct {
	mu     sync.Mutex
	seeded bool
	last   int64   // last issued number, committed or voided
	voids  []int64 // numbers drawn but never committed; never reissued
}

func NewSequencer(floor FloorFunc) *Sequencer {
	return &Sequencer{
		convs: make(map[string]*convSeq),
		floor: floor,
	}
}

func (s *Sequencer) conv(id string) *convSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		c = &convSeq{}
		s.convs[id] = c
	}
	return c
}

// Assign draws the next number for the conversation and runs commit under
// the conversation lock. On commit failure the number is voided: it is
// recorded on the gap ledger and never reused, keeping future numbers
// strictly increasing. The caller gets a retryable error.
func (s *Sequencer) Assign(ctx context.Context, conversationID string, commit func(seq int64) error) (int64, error) {
	c := s.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.seeded {
		if s.floor != nil {
			max, err := s.floor(ctx, conversationID)
			if err != nil {
				return 0, errs.ErrStoreUnavailable.WrapErr(err, "seed sequence floor", "conv", conversationID)
			}
			if max > c.last {
				c.last = max
			}
		}
		c.seeded = true
	}

	seq := c.last + 1
	c.last = seq

	if err := commit(seq); err != nil {
		c.voids = append(c.voids, seq)
		return 0, errs.ErrSeqVoided.WrapErr(err, "persist failed", "conv", conversationID, "seq", seq)
	}
	return seq, nil
}

// Voids returns a copy of the conversation's voided numbers.
func (s *Sequencer) Voids(conversationID string) []int64 {
	c := s.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.voids))
	copy(out, c.voids)
	return out
}
