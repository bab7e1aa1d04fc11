package pipeline

import (
	"encoding/json"
	"fmt"
)

// Inbound client events, one concrete type per "type" field value. Parsing
// peeks the tag, decodes the matching struct, and the dispatcher switches
// over the closed set, so an unhandled kind is a compile-time smell rather
// than a runtime default case.

type Event interface {
	eventType() string
}

type AuthenticateEvent struct {
	Token string `json:"token" validate:"required"`
}

type SendMessageEvent struct {
	ChannelID         *int64 `json:"channelID,string,omitempty"`
	RecipientID       *int64 `json:"recipientID,string,omitempty"`
	Content           string `json:"content" validate:"required"`
	ContainsSensitive bool   `json:"containsSensitive"`
}

type EditMessageEvent struct {
	MessageID int64  `json:"messageID,string" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

type DeleteMessageEvent struct {
	MessageID int64 `json:"messageID,string" validate:"required"`
}

type JoinChannelEvent struct {
	ChannelID int64 `json:"channelID,string" validate:"required"`
}

type LeaveChannelEvent struct {
	ChannelID int64 `json:"channelID,string" validate:"required"`
}

type TypingEvent struct {
	ChannelID   *int64 `json:"channelID,string,omitempty"`
	RecipientID *int64 `json:"recipientID,string,omitempty"`
}

type ReadReceiptEvent struct {
	MessageID int64 `json:"messageID,string" validate:"required"`
}

type SetPreferenceEvent struct {
	ContextType string `json:"contextType" validate:"required,oneof=global channel dm"`
	ContextID   *int64 `json:"contextID,string,omitempty"`
	Level       string `json:"level" validate:"required,oneof=all mentions none"`
}

type FetchMessageEvent struct {
	MessageID int64 `json:"messageID,string" validate:"required"`
}

type FlagMessageEvent struct {
	MessageID int64  `json:"messageID,string" validate:"required"`
	Reason    string `json:"reason" validate:"max=500"`
}

func (AuthenticateEvent) eventType() string  { return "authenticate" }
func (SendMessageEvent) eventType() string   { return "send_message" }
func (EditMessageEvent) eventType() string   { return "edit_message" }
func (DeleteMessageEvent) eventType() string { return "delete_message" }
func (JoinChannelEvent) eventType() string   { return "join_channel" }
func (LeaveChannelEvent) eventType() string  { return "leave_channel" }
func (TypingEvent) eventType() string        { return "typing" }
func (ReadReceiptEvent) eventType() string   { return "read_receipt" }
func (SetPreferenceEvent) eventType() string { return "set_preference" }
func (FetchMessageEvent) eventType() string  { return "fetch_message" }
func (FlagMessageEvent) eventType() string   { return "flag_message" }

type frameHeader struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationID"`
}

// ParseFrame decodes one raw client frame into its typed event and the
// client-supplied correlation id, if any.
func ParseFrame(frame []byte) (Event, string, error) {
	var header frameHeader
	if err := json.Unmarshal(frame, &header); err != nil {
		return nil, "", fmt.Errorf("malformed frame: %w", err)
	}

	var event Event
	switch header.Type {
	case "authenticate":
		event = &AuthenticateEvent{}
	case "send_message":
		event = &SendMessageEvent{}
	case "edit_message":
		event = &EditMessageEvent{}
	case "delete_message":
		event = &DeleteMessageEvent{}
	case "join_channel":
		event = &JoinChannelEvent{}
	case "leave_channel":
		event = &LeaveChannelEvent{}
	case "typing":
		event = &TypingEvent{}
	case "read_receipt":
		event = &ReadReceiptEvent{}
	case "set_preference":
		event = &SetPreferenceEvent{}
	case "fetch_message":
		event = &FetchMessageEvent{}
	case "flag_message":
		event = &FlagMessageEvent{}
	default:
		return nil, header.CorrelationID, fmt.Errorf("unknown event type %q", header.Type)
	}

	if err := json.Unmarshal(frame, event); err != nil {
		return nil, header.CorrelationID, fmt.Errorf("malformed %s frame: %w", header.Type, err)
	}

	return event, header.CorrelationID, nil
}
