package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types.
const (
	TypeAuth           = "auth"
	TypePing           = "ping"
	TypeHeartbeat      = "heartbeat"
	TypeJoinChat       = "join_chat"
	TypeChatMessage    = "chat_message"
	TypeFileUpload     = "file_upload"
	TypeImageUpload    = "image_upload"
	TypeMarkAsRead     = "mark_as_read"
	TypeGetOnlineUsers = "get_online_users"
	TypeGetUserStatus  = "get_user_status"
	TypeInitCall       = "init_call"
	TypeCallOffer      = "call_offer"
	TypeCallAnswer     = "call_answer"
	TypeCallCandidate  = "call_candidate"
	TypeCallEnded      = "call_ended"
	TypeCallReject     = "call_reject"
)

// ErrMissingType is returned by Decode for a frame without a type tag.
var ErrMissingType = errors.New("frame has no type")

// Frame is the union of every inbound frame. Only the fields relevant to
// Type are meaningful; absent ids decode to zero.
type Frame struct {
	Type string `json:"type"`

	UserID     ID   `json:"user_id"`
	UserIDs    []ID `json:"user_ids"`
	ChatID     ID   `json:"chat_id"`
	PeerUserID ID   `json:"peer_user_id"`

	Token    string            `json:"token"`
	Metadata map[string]string `json:"metadata"`

	Contenido       string `json:"contenido"`
	MessageType     string `json:"message_type"`
	ClientMessageID string `json:"client_message_id"`

	FileID   ID     `json:"file_id"`
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`

	Limit int `json:"limit"`

	SessionID string          `json:"session_id"`
	To        ID              `json:"to"`
	From      ID              `json:"from"`
	CallType  string          `json:"call_type"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode parses one raw frame. A frame must be a JSON object carrying a
// non-empty type tag.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}
	return &f, nil
}

// PeekType returns the type tag of a raw frame without decoding the rest,
// or "" when the frame is not a JSON object.
func PeekType(raw []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.Type
}

// IsSignaling reports whether frameType is a call-setup frame relayed to a
// peer.
func IsSignaling(frameType string) bool {
	switch frameType {
	case TypeInitCall, TypeCallOffer, TypeCallAnswer, TypeCallCandidate, TypeCallEnded, TypeCallReject:
		return true
	default:
		return false
	}
}

// Field names used in required-field checks and error messages.
const (
	FieldUserID    = "user_id"
	FieldChatID    = "chat_id"
	FieldContenido = "contenido"
	FieldFileID    = "file_id"
	FieldSessionID = "session_id"
	FieldTo        = "to"
	FieldPayload   = "payload"
)

// Has reports whether the named field carries a value.
func (f *Frame) Has(field string) bool {
	switch field {
	case FieldUserID:
		return !f.UserID.IsZero() || len(f.UserIDs) > 0
	case FieldChatID:
		return !f.ChatID.IsZero()
	case FieldContenido:
		return f.Contenido != ""
	case FieldFileID:
		return !f.FileID.IsZero()
	case FieldSessionID:
		return f.SessionID != ""
	case FieldTo:
		return !f.To.IsZero()
	case FieldPayload:
		return len(f.Payload) > 0 && string(f.Payload) != "null"
	default:
		return false
	}
}

// Missing returns the first required field the frame lacks.
func (f *Frame) Missing(fields ...string) (string, bool) {
	for _, field := range fields {
		if !f.Has(field) {
			return field, true
		}
	}
	return "", false
}
