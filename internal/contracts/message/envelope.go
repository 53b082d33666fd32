package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const EnvelopeVersion = 1

// Header keys carried on every broker message.
const (
	HeaderCommandID     = "commandId"
	HeaderCommandName   = "commandName"
	HeaderBusinessKey   = "businessKey"
	HeaderCorrelationID = "correlationId"
	HeaderReplyTo       = "replyTo"
	HeaderEventType     = "eventType"
	HeaderProcessID     = "processId"
)

// Message type strings (spec'd event vocabulary).
const (
	TypeCommandRequested = "CommandRequested"
	TypeCommandCompleted = "CommandCompleted"
	TypeCommandFailed    = "CommandFailed"
	TypeCommandTimedOut  = "CommandTimedOut"
	TypeReplyReceived    = "ReplyReceived"
	TypeReplyTimeout     = "ReplyTimeout"
)

// Envelope is the canonical wire body. Headers travel as broker headers, the
// envelope carries everything a consumer needs to dedupe and correlate even
// when a transport drops custom headers.
type Envelope struct {
	Version    int             `json:"version"`
	Producer   string          `json:"producer"`
	MessageID  string          `json:"message_id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(producer, msgType string, payload json.RawMessage) Envelope {
	return Envelope{
		Version:    EnvelopeVersion,
		Producer:   producer,
		MessageID:  uuid.NewString(),
		Type:       msgType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// CommandReply is the payload of every reply message.
type CommandReply struct {
	CommandID   uuid.UUID       `json:"command_id"`
	CommandName string          `json:"command_name"`
	BusinessKey string          `json:"business_key"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}
