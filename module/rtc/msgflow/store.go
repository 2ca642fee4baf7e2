package msgflow

import (
	"context"
	"errors"

	"FamLink/module/rtc/model"
)

// Unique-violation sentinels. Store implementations translate their native
// duplicate-key errors into these so the pipeline can arbitrate retries.
var (
	ErrDupNonce = errors.New("unique (conversation, sender, nonce) violated")
	ErrDupSeq   = errors.New("unique (conversation, seq) violated")
)

// Store is the durable collaborator for the committed message log. The
// coordinator is authoritative for ordering and fan-out; the store for
// long-term retrieval. Semantics are ordered-append plus range-query.
type Store interface {
	EnsureConversation(ctx context.Context, conversationID string, participants []string) error

	// IsParticipant answers (false, ErrConvNotFound) for an unknown
	// conversation and (false, nil) for a known one without the user.
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)

	// Append persists a sequenced message. Must reject duplicates on both
	// (conversation, seq) and (conversation, sender, nonce).
	Append(ctx context.Context, msg *model.Message) error

	FindByNonce(ctx context.Context, conversationID, senderID, nonce string) (*model.Message, error)

	// Query returns committed messages with seq in (sinceSeq, sinceSeq+limit]
	// order, ascending. limit <= 0 means no cap.
	Query(ctx context.Context, conversationID string, sinceSeq int64, limit int) ([]*model.Message, error)

	// MaxSeq is the commit waterline; MinSeq the retention floor after
	// compaction. The readable range is (MinSeq, MaxSeq].
	MaxSeq(ctx context.Context, conversationID string) (int64, error)
	MinSeq(ctx context.Context, conversationID string) (int64, error)
}
