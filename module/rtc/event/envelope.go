package event

import (
	"encoding/json"
	"time"

	"FamLink/module/rtc/model"
	"FamLink/tools/ids"
)

// Type is the closed set of event kinds every consumer pattern-matches on.
// Adding a kind here is an API change; there are no free-form event types.
type Type string

const (
	TypeMessage         Type = "message"
	TypeTypingStarted   Type = "typing_started"
	TypeTypingStopped   Type = "typing_stopped"
	TypePresenceChanged Type = "presence_changed"
	TypeRoomChanged     Type = "room_changed"
	TypeAck             Type = "ack"
	TypeError           Type = "error"
	TypeCatchUpDone     Type = "catchup_done"
)

// Envelope wraps every outbound event with routing fields and, where the
// event belongs to a conversation's committed log, its sequence number.
// Nonce rides along on message events so clients can reconcile their
// optimistic echo instead of appending a duplicate.
type Envelope struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Seq            int64           `json:"seq,omitempty"`
	Nonce          string          `json:"nonce,omitempty"`
	Origin         string          `json:"origin,omitempty"` // gateway id, loop guard for relays
	TS             int64           `json:"ts"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Topic returns the fan-out channel this envelope is delivered on.
func (e *Envelope) Topic() string {
	switch {
	case e.ConversationID != "":
		return TopicConversation(e.ConversationID)
	case e.RoomID != "":
		return TopicRoom(e.RoomID)
	default:
		return TopicPresence
	}
}

const TopicPresence = "presence"

func TopicConversation(id string) string { return "conv." + id }
func TopicRoom(id string) string         { return "room." + id }

func newEnvelope(t Type) Envelope {
	return Envelope{
		ID:   ids.GenerateString(),
		Type: t,
		TS:   time.Now().UnixMilli(),
	}
}

// ===== Payload variants =====

type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
	RoomID string `json:"room_id,omitempty"`
}

type RoomChangedPayload struct {
	RoomID string          `json:"room_id"`
	Action string          `json:"action"` // created | joined | left | ended
	UserID string          `json:"user_id,omitempty"`
	State  model.RoomState `json:"state"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ===== Constructors =====

func NewMessage(msg *model.Message) Envelope {
	e := newEnvelope(TypeMessage)
	e.ConversationID = msg.ConversationID
	e.UserID = msg.SenderID
	e.Seq = msg.Seq
	e.Nonce = msg.ClientNonce
	e.Payload, _ = json.Marshal(msg)
	return e
}

func NewTyping(t Type, conversationID, userID string) Envelope {
	e := newEnvelope(t)
	e.ConversationID = conversationID
	e.UserID = userID
	e.Payload, _ = json.Marshal(TypingPayload{ConversationID: conversationID, UserID: userID})
	return e
}

func NewPresenceChanged(userID string, online bool, roomID string) Envelope {
	e := newEnvelope(TypePresenceChanged)
	e.UserID = userID
	e.Payload, _ = json.Marshal(PresencePayload{UserID: userID, Online: online, RoomID: roomID})
	return e
}

func NewRoomChanged(roomID, action, userID string, state model.RoomState) Envelope {
	e := newEnvelope(TypeRoomChanged)
	e.RoomID = roomID
	e.UserID = userID
	e.Payload, _ = json.Marshal(RoomChangedPayload{RoomID: roomID, Action: action, UserID: userID, State: state})
	return e
}
