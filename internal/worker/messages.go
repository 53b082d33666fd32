package worker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mlevkov/command-platform/internal/contracts/message"
	"github.com/mlevkov/command-platform/internal/domain"
)

// replyMessage builds the outbox row that routes a terminal reply back to the
// requester's reply queue.
func replyMessage(producer string, queues message.QueueNaming, cmd *domain.Command, msgType string, result json.RawMessage, errText string) *domain.OutboxMessage {
	reply := message.CommandReply{
		CommandID:   cmd.ID,
		CommandName: cmd.Name,
		BusinessKey: cmd.BusinessKey,
		Status:      replyStatus(msgType),
		Result:      result,
		Error:       errText,
	}
	payload, _ := json.Marshal(reply)

	env := message.NewEnvelope(producer, msgType, payload)
	body, _ := json.Marshal(env)

	replyTo := queues.ReplyQueue
	headers := map[string]string{
		message.HeaderCommandID:     cmd.ID.String(),
		message.HeaderCommandName:   cmd.Name,
		message.HeaderBusinessKey:   cmd.BusinessKey,
		message.HeaderCorrelationID: cmd.ID.String(),
		message.HeaderEventType:     msgType,
	}
	if cmd.ReplyRouting != nil {
		if q := strings.TrimSpace(cmd.ReplyRouting.Queue); q != "" {
			replyTo = q
		}
		for k, v := range cmd.ReplyRouting.Headers {
			headers[k] = v
		}
	}

	return &domain.OutboxMessage{
		MessageID: uuid.New(),
		Category:  domain.CategoryReply,
		Topic:     replyTo,
		Key:       cmd.BusinessKey,
		Type:      msgType,
		Payload:   body,
		Headers:   headers,
		NextAt:    time.Now().UTC(),
	}
}

// eventMessage mirrors the reply onto the domain event topic.
func eventMessage(producer string, topics message.TopicNaming, cmd *domain.Command, msgType string, result json.RawMessage, errText string) *domain.OutboxMessage {
	reply := message.CommandReply{
		CommandID:   cmd.ID,
		CommandName: cmd.Name,
		BusinessKey: cmd.BusinessKey,
		Status:      replyStatus(msgType),
		Result:      result,
		Error:       errText,
	}
	payload, _ := json.Marshal(reply)

	env := message.NewEnvelope(producer, msgType, payload)
	body, _ := json.Marshal(env)

	return &domain.OutboxMessage{
		MessageID: uuid.New(),
		Category:  domain.CategoryEvent,
		Topic:     topics.EventTopic(cmd.Name),
		Key:       cmd.BusinessKey,
		Type:      msgType,
		Payload:   body,
		Headers: map[string]string{
			message.HeaderCommandID:   cmd.ID.String(),
			message.HeaderCommandName: cmd.Name,
			message.HeaderBusinessKey: cmd.BusinessKey,
			message.HeaderEventType:   msgType,
		},
		NextAt: time.Now().UTC(),
	}
}

func replyStatus(msgType string) string {
	switch msgType {
	case message.TypeCommandCompleted:
		return string(domain.CommandSucceeded)
	case message.TypeCommandTimedOut:
		return string(domain.CommandTimedOut)
	default:
		return string(domain.CommandFailed)
	}
}

func dlqEntry(cmd *domain.Command, failedStatus domain.CommandStatus, errClass, errMsg, parkedBy string) *domain.DLQEntry {
	return &domain.DLQEntry{
		CommandID:    cmd.ID,
		CommandName:  cmd.Name,
		BusinessKey:  cmd.BusinessKey,
		Payload:      cmd.Payload,
		FailedStatus: failedStatus,
		ErrorClass:   errClass,
		ErrorMessage: errMsg,
		Attempts:     cmd.Retries,
		ParkedBy:     parkedBy,
	}
}
