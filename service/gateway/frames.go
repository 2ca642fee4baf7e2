package gateway

import (
	"encoding/json"

	"FamLink/module/rtc/event"
	"FamLink/tools/errs"
)

// Frame is the inbound websocket envelope: an op code plus its payload.
type Frame struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	OpSend      = "send"       // commit a chat message
	OpTyping    = "typing"     // typing activity signal
	OpHeartbeat = "heartbeat"  // connection liveness beat
	OpResume    = "resume"     // attach to a conversation with catch-up
	OpWatch     = "watch"      // attach to a room or presence stream, no backlog
	OpPresence  = "presence"   // point-in-time presence query
	OpJoinRoom  = "join_room"  // join a call room without a REST round trip
	OpRoomToken = "room_token" // request a media admission token
)

type SendReq struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	Nonce          string `json:"nonce"`
}

type TypingReq struct {
	ConversationID string `json:"conversation_id"`
}

type ResumeReq struct {
	ConversationID string `json:"conversation_id"`
	LastSeen       int64  `json:"last_seen"`
}

type WatchReq struct {
	RoomID   string `json:"room_id,omitempty"`
	Presence bool   `json:"presence,omitempty"`
}

type PresenceReq struct {
	UserIDs []string `json:"user_ids"`
}

type JoinRoomReq struct {
	RoomID string `json:"room_id"`
}

type RoomTokenReq struct {
	RoomID    string `json:"room_id"`
	Publish   bool   `json:"publish"`
	Subscribe bool   `json:"subscribe"`
}

// ===== Outbound helpers =====

type ackPayload struct {
	ServerMsgID  string `json:"server_msg_id"`
	ReceivedAtMS int64  `json:"received_at_ms"`
}

// ackEnvelope answers a send op: seq plus nonce let the sender reconcile
// its optimistic echo.
func ackEnvelope(conversationID, nonce string, seq int64, serverMsgID, origin string, tsMS int64) event.Envelope {
	e := event.Envelope{
		ID:             serverMsgID,
		Type:           event.TypeAck,
		ConversationID: conversationID,
		Seq:            seq,
		Nonce:          nonce,
		Origin:         origin,
		TS:             tsMS,
	}
	e.Payload, _ = json.Marshal(ackPayload{ServerMsgID: serverMsgID, ReceivedAtMS: tsMS})
	return e
}

type errPayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Op   string `json:"op,omitempty"`
}

func errEnvelope(op, nonce string, err error) event.Envelope {
	e := event.Envelope{
		Type:  event.TypeError,
		Nonce: nonce,
	}
	code := errs.CodeOf(err)
	msg := err.Error()
	var ce *errs.CodeError
	if errs.AsCodeError(err, &ce) {
		msg = ce.Msg
	}
	e.Payload, _ = json.Marshal(errPayload{Code: code, Msg: msg, Op: op})
	return e
}

func catchupDoneEnvelope(conversationID string, waterline int64) event.Envelope {
	return event.Envelope{
		Type:           event.TypeCatchUpDone,
		ConversationID: conversationID,
		Seq:            waterline,
	}
}
