package msgflow

import (
	"context"
	"sort"
	"sync"

	"FamLink/module/rtc/model"
	"FamLink/tools/errs"
)

// MemStore is the in-memory Store used by tests and single-node dev runs.
// It enforces the same unique constraints the Mongo store declares as
// indexes.
type MemStore struct {
	mu      sync.RWMutex
	convs   map[string]map[string]struct{}       // conv -> participant set
	bySeq   map[string]map[int64]*model.Message  // conv -> seq -> msg
	byNonce map[string]*model.Message            // conv|sender|nonce -> msg
	minSeq  map[string]int64                     // conv -> retention floor
}

func NewMemStore() *MemStore {
	return &MemStore{
		convs:   make(map[string]map[string]struct{}),
		bySeq:   make(map[string]map[int64]*model.Message),
		byNonce: make(map[string]*model.Message),
		minSeq:  make(map[string]int64),
	}
}

func nonceKey(conv, sender, nonce string) string { return conv + "|" + sender + "|" + nonce }

func (s *MemStore) EnsureConversation(ctx context.Context, conversationID string, participants []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.convs[conversationID]
	if !ok {
		set = make(map[string]struct{})
		s.convs[conversationID] = set
	}
	for _, p := range participants {
		set[p] = struct{}{}
	}
	return nil
}

func (s *MemStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.convs[conversationID]
	if !ok {
		return false, errs.ErrConvNotFound.WithDetail(conversationID)
	}
	_, in := set[userID]
	return in, nil
}

func (s *MemStore) Append(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byNonce[nonceKey(msg.ConversationID, msg.SenderID, msg.ClientNonce)]; ok {
		return ErrDupNonce
	}
	seqs, ok := s.bySeq[msg.ConversationID]
	if !ok {
		seqs = make(map[int64]*model.Message)
		s.bySeq[msg.ConversationID] = seqs
	}
	if _, ok := seqs[msg.Seq]; ok {
		return ErrDupSeq
	}

	cp := *msg
	seqs[msg.Seq] = &cp
	s.byNonce[nonceKey(msg.ConversationID, msg.SenderID, msg.ClientNonce)] = &cp
	return nil
}

func (s *MemStore) FindByNonce(ctx context.Context, conversationID, senderID, nonce string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byNonce[nonceKey(conversationID, senderID, nonce)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) Query(ctx context.Context, conversationID string, sinceSeq int64, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seqs := s.bySeq[conversationID]
	out := make([]*model.Message, 0, len(seqs))
	for seq, m := range seqs {
		if seq > sinceSeq {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for seq := range s.bySeq[conversationID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (s *MemStore) MinSeq(ctx context.Context, conversationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minSeq[conversationID], nil
}

// Compact raises the retention floor; used by tests to exercise the stale
// cursor path.
func (s *MemStore) Compact(conversationID string, upTo int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo > s.minSeq[conversationID] {
		s.minSeq[conversationID] = upTo
	}
	for seq := range s.bySeq[conversationID] {
		if seq <= upTo {
			delete(s.bySeq[conversationID], seq)
		}
	}
}
