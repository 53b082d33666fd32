package message

import "strings"

// QueueNaming derives per-command queue names. Defaults follow the
// APP.CMD.<NAME>.Q convention.
type QueueNaming struct {
	CommandPrefix string
	QueueSuffix   string
	ReplyQueue    string
}

func DefaultQueueNaming() QueueNaming {
	return QueueNaming{
		CommandPrefix: "APP.CMD.",
		QueueSuffix:   ".Q",
		ReplyQueue:    "APP.CMD.REPLY.Q",
	}
}

func (n QueueNaming) CommandQueue(commandName string) string {
	return n.CommandPrefix + strings.ToUpper(strings.TrimSpace(commandName)) + n.QueueSuffix
}

type TopicNaming struct {
	EventPrefix string
}

func DefaultTopicNaming() TopicNaming {
	return TopicNaming{EventPrefix: "events."}
}

func (n TopicNaming) EventTopic(commandName string) string {
	return n.EventPrefix + strings.TrimSpace(commandName)
}
