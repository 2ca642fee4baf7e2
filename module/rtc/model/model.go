package model

import "time"

// ===== Conversations & messages =====

// Conversation is the addressing unit for 1:1 chat. Sequence numbers are
// per-conversation: strictly increasing, gap-free in the committed domain.
type Conversation struct {
	ConversationID string   `bson:"conversation_id" json:"conversation_id"`
	Participants   []string `bson:"participants" json:"participants"`
	MaxSeq         int64    `bson:"max_seq" json:"max_seq"` // commit waterline
	MinSeq         int64    `bson:"min_seq" json:"min_seq"` // retention floor; readable range is (MinSeq, MaxSeq]
	CreateTime     int64    `bson:"create_time" json:"create_time"`
}

func (*Conversation) GetTableName() string { return "conversation" }

// Message is immutable once committed; edits and deletes are new events
// referencing ServerMsgID, never in-place mutation.
type Message struct {
	ServerMsgID    string `bson:"server_msg_id" json:"server_msg_id"`
	ConversationID string `bson:"conversation_id" json:"conversation_id"`
	SenderID       string `bson:"sender_id" json:"sender_id"`
	Body           string `bson:"body" json:"body"`
	Seq            int64  `bson:"seq" json:"seq"`                   // assigned at commit
	ClientNonce    string `bson:"client_nonce" json:"client_nonce"` // optimistic-echo dedup key
	CreateTimeMS   int64  `bson:"create_time_ms" json:"create_time_ms"`
}

func (*Message) GetTableName() string { return "message" }

// ===== Ephemeral state (never persisted) =====

// TypingSignal lives only in the debouncer; overwritten on repeat activity,
// dropped on expiry or on a committed message from the same user.
type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ExpireAt       time.Time `json:"expire_at"`
}

// PresenceRecord is owned exclusively by the presence tracker.
type PresenceRecord struct {
	UserID   string    `json:"user_id"`
	ConnIDs  []string  `json:"conn_ids"`
	LastBeat time.Time `json:"last_beat"`
	RoomID   string    `json:"room_id,omitempty"`
}

type PresenceStatus struct {
	Online bool   `json:"online"`
	RoomID string `json:"room_id,omitempty"`
}

// ===== Call rooms =====

type RoomState string

const (
	RoomCreated RoomState = "created"
	RoomActive  RoomState = "active"
	RoomEnded   RoomState = "ended" // terminal, never reverts
)

type CallRoom struct {
	RoomID      string    `bson:"room_id" json:"room_id"`
	CreatorID   string    `bson:"creator_id" json:"creator_id"`
	DisplayName string    `bson:"display_name" json:"display_name"`
	FamilyScope string    `bson:"family_scope" json:"family_scope"`
	State       RoomState `bson:"state" json:"state"`
	CreatedAt   int64     `bson:"created_at" json:"created_at"`
	EndedAt     int64     `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
}

func (*CallRoom) GetTableName() string { return "call_room" }

// CallParticipant: at most one active (LeftAt == 0) row per user per room.
type CallParticipant struct {
	RoomID   string `bson:"room_id" json:"room_id"`
	UserID   string `bson:"user_id" json:"user_id"`
	JoinedAt int64  `bson:"joined_at" json:"joined_at"`
	LeftAt   int64  `bson:"left_at,omitempty" json:"left_at,omitempty"`
}

func (*CallParticipant) GetTableName() string { return "call_participant" }

// RoomSnapshot is the read shape for active-room discovery.
type RoomSnapshot struct {
	Room         CallRoom `json:"room"`
	Participants int      `json:"participants"`
}

// ===== Media admission =====

type TokenScope struct {
	Publish   bool `json:"publish"`
	Subscribe bool `json:"subscribe"`
}

// AdmissionToken is transient: verified by the external media transport, not
// by this coordinator.
type AdmissionToken struct {
	RoomID        string     `json:"room_id"`
	UserID        string     `json:"user_id"`
	Scope         TokenScope `json:"scope"`
	Token         string     `json:"token"`
	TransportAddr string     `json:"transport_addr"`
	ExpireAt      time.Time  `json:"expire_at"`
}
