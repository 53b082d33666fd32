package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandRunning   CommandStatus = "RUNNING"
	CommandSucceeded CommandStatus = "SUCCEEDED"
	CommandFailed    CommandStatus = "FAILED"
	CommandTimedOut  CommandStatus = "TIMED_OUT"
)

// Terminal reports whether no further transition is allowed.
func (s CommandStatus) Terminal() bool {
	return s == CommandSucceeded || s == CommandFailed || s == CommandTimedOut
}

type OutboxStatus string

const (
	OutboxNew       OutboxStatus = "NEW"
	OutboxClaimed   OutboxStatus = "CLAIMED"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

type OutboxCategory string

const (
	CategoryCommand OutboxCategory = "command"
	CategoryReply   OutboxCategory = "reply"
	CategoryEvent   OutboxCategory = "event"
)

var (
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrCommandNotFound         = errors.New("command not found")
	ErrProcessNotFound         = errors.New("process not found")
	ErrInvalidCommand          = errors.New("invalid command request")
)

// ReplyRouting is the caller-supplied envelope describing where replies go.
// Queue empty means the default reply queue. Headers are copied verbatim onto
// every reply message (the process manager rides processId through here).
type ReplyRouting struct {
	Queue   string            `json:"queue,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type Command struct {
	ID             uuid.UUID
	Name           string
	BusinessKey    string
	Payload        json.RawMessage
	IdempotencyKey string
	Status         CommandStatus
	RequestedAt    time.Time
	UpdatedAt      time.Time
	Retries        int
	LeaseUntil     *time.Time
	LastError      *string
	ReplyRouting   *ReplyRouting
	Reply          json.RawMessage
}

type OutboxMessage struct {
	ID          int64
	MessageID   uuid.UUID
	Category    OutboxCategory
	Topic       string
	Key         string
	Type        string
	Payload     []byte
	Headers     map[string]string
	Status      OutboxStatus
	Attempts    int
	NextAt      time.Time
	ClaimedBy   *string
	CreatedAt   time.Time
	PublishedAt *time.Time
	LastError   *string
}

type DLQEntry struct {
	ID           int64
	CommandID    uuid.UUID
	CommandName  string
	BusinessKey  string
	Payload      json.RawMessage
	FailedStatus CommandStatus
	ErrorClass   string
	ErrorMessage string
	Attempts     int
	ParkedBy     string
	ParkedAt     time.Time
}
