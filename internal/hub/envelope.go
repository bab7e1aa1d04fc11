package hub

import (
	"encoding/json"
	"time"
)

const (
	TypeNewMessage         = "new_message"
	TypeMessageUpdated     = "message_updated"
	TypeMessageDeleted     = "message_deleted"
	TypeMemberJoined       = "member_joined"
	TypeMemberLeft         = "member_left"
	TypeUserTyping         = "user_typing"
	TypeReadReceiptUpdate  = "read_receipt_update"
	TypeNotification       = "notification"
	TypeSystemError        = "system_error"
	TypeAuthResponse       = "authentication_response"
	TypeAck                = "ack"
	TypeMessageBody        = "message_body"
)

// Envelope is the broadcast payload every live connection receives.
type Envelope struct {
	Type          string    `json:"type"`
	Data          any       `json:"data"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationID,omitempty"`
}

func NewEnvelope(msgType string, data any) Envelope {
	return Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
