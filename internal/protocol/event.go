package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Outbound event types that have no inbound counterpart.
const (
	TypeWelcome          = "welcome"
	TypeAuthSuccess      = "auth_success"
	TypeAuthError        = "auth_error"
	TypePong             = "pong"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeJoinedChat       = "joined_chat"
	TypeUserJoinedChat   = "user_joined_chat"
	TypeUserLeftChat     = "user_left_chat"
	TypeMessageAck       = "message_ack"
	TypeMessagesRead     = "messages_read"
	TypeOnlineUsers      = "online_users"
	TypeUserStatus       = "user_status"
	TypeUserStatusChange = "user_status_change"
	TypeIncomingCall     = "incoming_call"
	TypeCallInitiated    = "call_initiated"
	TypeCallRejected     = "call_rejected"
	TypeCallStatus       = "call_status"
	TypeUserOffline      = "user_offline"
	TypeNotification     = "notification"
	TypeError            = "error"
)

// Event is an outbound record: a type tag plus a flat payload. Payload must
// marshal to a JSON object (or be nil) and must not define its own "type".
type Event struct {
	Type    string
	Payload any
}

// NewEvent builds an event.
func NewEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Payload: payload}
}

// MarshalJSON flattens the payload members next to the type tag.
func (e Event) MarshalJSON() ([]byte, error) {
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return []byte(`{"type":` + string(typ) + `}`), nil
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("marshal %s payload: not an object", e.Type)
	}
	var buf bytes.Buffer
	buf.Grow(len(typ) + len(body) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Encode marshals the event into a single text frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Welcome is sent once, right after the transport is accepted.
type Welcome struct {
	ConnectionID      string    `json:"connection_id"`
	ServerTime        time.Time `json:"server_time"`
	HeartbeatInterval int64     `json:"heartbeat_interval_ms"`
}

// AuthSuccess acknowledges a completed auth.
type AuthSuccess struct {
	UserID       ID     `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// Pong answers ping.
type Pong struct {
	ServerTime time.Time `json:"server_time"`
}

// Heartbeat is both the server liveness frame and the heartbeat ack body.
type Heartbeat struct {
	ServerTime time.Time `json:"server_time"`
}

// JoinedChat answers join_chat with the room snapshot.
type JoinedChat struct {
	ChatID      ID   `json:"chat_id"`
	OnlineCount int  `json:"online_count"`
	OnlineUsers []ID `json:"online_users"`
}

// RoomMember announces a user joining or leaving a room.
type RoomMember struct {
	ChatID ID `json:"chat_id"`
	UserID ID `json:"user_id"`
}

// ChatMessage is the fanned-out chat message.
type ChatMessage struct {
	ChatID          ID        `json:"chat_id"`
	MessageID       string    `json:"message_id"`
	UserID          ID        `json:"user_id"`
	Contenido       string    `json:"contenido"`
	MessageType     string    `json:"message_type"`
	FileID          ID        `json:"file_id,omitempty"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	Persisted       bool      `json:"persisted"`
	CreatedAt       time.Time `json:"created_at"`
}

// MessageAck confirms a chat_message to its sender.
type MessageAck struct {
	ChatID          ID     `json:"chat_id"`
	MessageID       string `json:"message_id"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	Persisted       bool   `json:"persisted"`
	Delivered       int    `json:"delivered"`
}

// FileEvent announces an uploaded file or image.
type FileEvent struct {
	ChatID   ID     `json:"chat_id"`
	UserID   ID     `json:"user_id"`
	FileID   ID     `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// ReadReceipt reports messages marked as read.
type ReadReceipt struct {
	ChatID ID    `json:"chat_id"`
	UserID ID    `json:"user_id"`
	Count  int64 `json:"count"`
}

// PresenceEntry is one user's presence as seen by clients.
type PresenceEntry struct {
	UserID     ID                `json:"user_id"`
	Status     string            `json:"status"`
	LastActive *time.Time        `json:"last_active,omitempty"`
	LastSeen   *time.Time        `json:"last_seen,omitempty"`
	Devices    int               `json:"devices,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OnlineUsers answers get_online_users.
type OnlineUsers struct {
	Count int             `json:"count"`
	Users []PresenceEntry `json:"users"`
}

// UserStatus answers get_user_status.
type UserStatus struct {
	Statuses []PresenceEntry `json:"statuses"`
}

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusChange announces a user going online or offline.
type StatusChange struct {
	UserID ID        `json:"user_id"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// CallSignal is forwarded between call peers.
type CallSignal struct {
	SessionID string          `json:"session_id"`
	From      ID              `json:"from"`
	To        ID              `json:"to"`
	ChatID    ID              `json:"chat_id,omitempty"`
	CallType  string          `json:"call_type,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CallInitiated tells the caller its init_call reached the callee.
type CallInitiated struct {
	SessionID string `json:"session_id"`
	To        ID     `json:"to"`
	Delivered int    `json:"delivered"`
}

// CallStatus is broadcast to a chat room when a call ends.
type CallStatus struct {
	SessionID string `json:"session_id"`
	ChatID    ID     `json:"chat_id"`
	Status    string `json:"status"`
	From      ID     `json:"from"`
}

// UserOffline tells a caller the callee has no live connection.
type UserOffline struct {
	SessionID string `json:"session_id"`
	To        ID     `json:"to"`
}

// Notification carries an outbox entry to an online user.
type Notification struct {
	ID      int64           `json:"id"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	At      time.Time       `json:"at"`
}
