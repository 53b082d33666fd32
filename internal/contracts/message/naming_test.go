package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandQueue_Defaults(t *testing.T) {
	n := DefaultQueueNaming()
	require.Equal(t, "APP.CMD.CREATEUSER.Q", n.CommandQueue("CreateUser"))
	require.Equal(t, "APP.CMD.CREATEUSER.Q", n.CommandQueue("  createUser "))
	require.Equal(t, "APP.CMD.REPLY.Q", n.ReplyQueue)
}

func TestCommandQueue_CustomNaming(t *testing.T) {
	n := QueueNaming{CommandPrefix: "ORD.", QueueSuffix: ".IN", ReplyQueue: "ORD.REPLY"}
	require.Equal(t, "ORD.CHARGECARD.IN", n.CommandQueue("ChargeCard"))
}

func TestEventTopic(t *testing.T) {
	n := DefaultTopicNaming()
	require.Equal(t, "events.CreateUser", n.EventTopic("CreateUser"))
}
