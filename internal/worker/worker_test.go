package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mlevkov/command-platform/internal/contracts/message"
	"github.com/mlevkov/command-platform/internal/domain"
)

type fakeCommands struct {
	cmd  *domain.Command
	seen map[string]bool

	leaseDenied  bool
	leaseErr     error
	leaseErrOnce bool

	completedID     uuid.UUID
	completedReply  json.RawMessage
	completedOutbox []*domain.OutboxMessage

	failedID     uuid.UUID
	failedClass  string
	failedMsg    string
	failedOutbox []*domain.OutboxMessage
	failedDLQ    *domain.DLQEntry

	retriedID     uuid.UUID
	retriedErrMsg string
	retriedMsg    *domain.OutboxMessage
}

func (f *fakeCommands) CreateCommand(ctx context.Context, cmd *domain.Command, msg *domain.OutboxMessage) error {
	return errors.New("not used")
}

func (f *fakeCommands) GetCommand(ctx context.Context, id uuid.UUID) (*domain.Command, error) {
	return f.cmd, nil
}

// AcquireLease mirrors the store contract: the fence marker is only kept on a
// granted lease, never on an error or a rejection.
func (f *fakeCommands) AcquireLease(ctx context.Context, id uuid.UUID, messageID, handler string, leaseUntil time.Time) (*domain.Command, domain.LeaseDecision, error) {
	if f.leaseErr != nil {
		err := f.leaseErr
		if f.leaseErrOnce {
			f.leaseErr = nil
		}
		return nil, domain.LeaseRejected, err
	}

	key := messageID + "|" + handler
	if f.seen[key] {
		return nil, domain.LeaseDuplicate, nil
	}
	if f.leaseDenied || f.cmd == nil || f.cmd.ID != id {
		return nil, domain.LeaseRejected, nil
	}

	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	f.seen[key] = true
	f.cmd.Status = domain.CommandRunning
	f.cmd.LeaseUntil = &leaseUntil
	return f.cmd, domain.LeaseGranted, nil
}

func (f *fakeCommands) CompleteCommand(ctx context.Context, id uuid.UUID, reply json.RawMessage, outbox []*domain.OutboxMessage) error {
	f.completedID = id
	f.completedReply = reply
	f.completedOutbox = outbox
	return nil
}

func (f *fakeCommands) FailCommand(ctx context.Context, id uuid.UUID, errClass, errMsg string, outbox []*domain.OutboxMessage, dlq *domain.DLQEntry) error {
	f.failedID = id
	f.failedClass = errClass
	f.failedMsg = errMsg
	f.failedOutbox = outbox
	f.failedDLQ = dlq
	return nil
}

func (f *fakeCommands) RetryCommand(ctx context.Context, id uuid.UUID, errMsg string, msg *domain.OutboxMessage) error {
	f.retriedID = id
	f.retriedErrMsg = errMsg
	f.retriedMsg = msg
	return nil
}

func (f *fakeCommands) ExpiredRunning(ctx context.Context, limit int) ([]*domain.Command, error) {
	return nil, nil
}

func (f *fakeCommands) TimeoutCommand(ctx context.Context, id uuid.UUID, errMsg string, outbox []*domain.OutboxMessage, dlq *domain.DLQEntry) error {
	return nil
}

func testConfig() Config {
	return Config{
		WorkerID:   "worker-1",
		Producer:   "command-platform",
		Lease:      time.Minute,
		MaxRetries: 3,
		Queues:     message.DefaultQueueNaming(),
		Topics:     message.DefaultTopicNaming(),
	}
}

func newTestCommand(name string) *domain.Command {
	return &domain.Command{
		ID:             uuid.New(),
		Name:           name,
		BusinessKey:    "order-42",
		Payload:        json.RawMessage(`{"amount":10}`),
		IdempotencyKey: "idem-1",
		Status:         domain.CommandPending,
		RequestedAt:    time.Now().UTC(),
	}
}

func delivery(cmd *domain.Command) Delivery {
	return Delivery{
		MessageID: uuid.NewString(),
		Headers: map[string]string{
			message.HeaderCommandID:   cmd.ID.String(),
			message.HeaderCommandName: cmd.Name,
		},
		Body: []byte(`{}`),
	}
}

func TestHandle_SuccessCompletesWithReplyAndEvent(t *testing.T) {
	cmd := newTestCommand("ChargeCard")
	commands := &fakeCommands{cmd: cmd}

	reg := NewRegistry()
	reg.Register("ChargeCard", func(ctx context.Context, c *domain.Command) (json.RawMessage, error) {
		return json.RawMessage(`{"charged":true}`), nil
	})

	rt := NewRuntime(commands, reg, testConfig())
	require.NoError(t, rt.Handle(context.Background(), delivery(cmd)))

	require.Equal(t, cmd.ID, commands.completedID)
	require.JSONEq(t, `{"charged":true}`, string(commands.completedReply))
	require.Len(t, commands.completedOutbox, 2)

	reply := commands.completedOutbox[0]
	require.Equal(t, domain.CategoryReply, reply.Category)
	require.Equal(t, "APP.CMD.REPLY.Q", reply.Topic)
	require.Equal(t, message.TypeCommandCompleted, reply.Type)

	event := commands.completedOutbox[1]
	require.Equal(t, domain.CategoryEvent, event.Category)
	require.Equal(t, "events.ChargeCard", event.Topic)
}

func TestHandle_ReplyRoutingOverridesReplyQueue(t *testing.T) {
	cmd := newTestCommand("ChargeCard")
	cmd.ReplyRouting = &domain.ReplyRouting{
		Queue:   "ORDERS.SAGA.REPLY.Q",
		Headers: map[string]string{message.HeaderProcessID: "p-1"},
	}
	commands := &fakeCommands{cmd: cmd}

	reg := NewRegistry()
	reg.Register("ChargeCard", func(ctx context.Context, c *domain.Command) (json.RawMessage, error) {
		return nil, nil
	})

	rt := NewRuntime(commands, reg, testConfig())
	require.NoError(t, rt.Handle(context.Background(), delivery(cmd)))

	reply := commands.completedOutbox[0]
	require.Equal(t, "ORDERS.SAGA.REPLY.Q", reply.Topic)
	require.Equal(t, "p-1", reply.Headers[message.HeaderProcessID])
}

func TestHandle_PermanentErrorFailsAndParks(t *testing.T) {
	cmd := newTestCommand("ChargeCard")
	commands := &fakeCommands{cmd: cmd}

	reg := NewRegistry()
	reg.Register("ChargeCard", func(ctx context.Context, c *domain.Command) (json.RawMessage, error) {
		return nil, domain.Permanent(errors.New("card declined"))
	})

	rt := NewRuntime(commands, reg, testConfig())
	require.NoError(t, rt.Handle(context.Background(), delivery(cmd)))

	require.Equal(t, cmd.ID, commands.failedID)
	require.Equal(t, "PermanentError", commands.failedClass)
	require.Contains(t, commands.failedMsg, "card declined")
	require.Len(t, commands.failedOutbox, 2)
	require.NotNil(t, commands.failedDLQ)
	require.Equal(t, domain.CommandFailed, commands.failedDLQ.FailedStatus)
	require.Equal(t, "worker-1", commands.failedDLQ.ParkedBy)

	require.Equal(t, uuid.Nil, commands.retriedID)
}

func TestHandle_TransientErrorReschedules(t *testing.T) {
	cmd := newTestCommand("ChargeCard")
	cmd.Retries = 1
	commands := &fakeCommands{cmd: cmd}

	reg := NewRegistry()
	reg.Register("ChargeCard", func(ctx context.Context, c *domain.Command) (json.RawMessage, error) {
		return nil, errors.New("gateway timeout")
	})

	before := time.Now().UTC()
	rt := NewRuntime(commands, reg, testConfig())
	require.NoError(t, rt.Handle(context.Background(), delivery(cmd)))

	require.Equal(t, cmd.ID, commands.retriedID)
	require.Contains(t, commands.retriedErrMsg, "gateway timeout")
	require.NotNil(t, commands.retriedMsg)
	require.Equal(t, domain.CategoryCommand, commands.retriedMsg.Category)
	require.Equal(t, "APP.CMD.CHARGECARD.Q", commands.retriedMsg.Topic)
	// retry #2 -> 4s delay
	require.True(t, commands.retriedMsg.NextAt.After(before.Add(3*time.Second)))

	require.Equal(t, uuid.Nil, commands.failedID)
}

func TestHandle_RetriesExhaustedBecomesPermanent(t *testing.T) {
	cmd := newTestCommand("ChargeCard")
	cmd.Retries = 3
	commands := &fakeCommands{cmd: cmd}

	reg := NewRegistry()
	reg.Register("ChargeCard", func(ctx context.Context, c *domain.Command) (json.RawMessage, error) {
		return nil, errors.New("gateway timeout")
	})

	rt := NewRuntime(commands, reg, testConfig())
	require.NoError(t, rt.Handle(context.Background(), delivery(cmd)))

	require.Equal(t, uuid.Nil, commands.retriedID)
	require.Equal(t, cmd.ID, commands.failedID)
	require.Equal(t, "RetriesExhausted", commands.failedClass)
}

func TestHandle_DuplicateDeliveryIsAckedWithoutSideEffects(t *testing.T) {
	cmd := newTestCommand("ChargeCard")
	commands := &fakeCommands{cmd: cmd}

	calls := 0
	reg := NewRegistry()
	reg.Register("ChargeCard", func(ctx context.Context, c *domain.Command) (json.RawMessage, error) {
		calls++
		return nil, nil
	})

	rt := NewRuntime(commands, reg, testConfig())
	d := delivery(cmd)
	require.NoError(t, rt.Handle(context.Background(), d))
	require.NoError(t, rt.Handle(context.Background(), d))

	require.Equal(t, 1, calls)
}

func TestHandle_UnknownCommandTypeFailsTerminally(t *testing.T) {
	cmd := newTestCommand("DoSomethingNew")
	commands := &fakeCommands{cmd: cmd}

	rt := NewRuntime(commands, NewRegistry(), testConfig())
	require.NoError(t, rt.Handle(context.Background(), delivery(cmd)))

	require.Equal(t, cmd.ID, commands.failedID)
	require.Equal(t, "UnknownCommandType", commands.failedClass)
	require.NotNil(t, commands.failedDLQ)
}

func TestHandle_LeaseDeniedIsAckedWithoutBurningTheFence(t *testing.T) {
	cmd := newTestCommand("ChargeCard")
	commands := &fakeCommands{cmd: cmd, leaseDenied: true}

	calls := 0
	reg := NewRegistry()
	reg.Register("ChargeCard", func(ctx context.Context, c *domain.Command) (json.RawMessage, error) {
		calls++
		return nil, nil
	})

	rt := NewRuntime(commands, reg, testConfig())
	d := delivery(cmd)
	require.NoError(t, rt.Handle(context.Background(), d))
	require.Equal(t, 0, calls)

	// a rejection leaves no fence marker, so a later delivery still processes
	commands.leaseDenied = false
	require.NoError(t, rt.Handle(context.Background(), d))
	require.Equal(t, 1, calls)
}

// A transient store failure during the lease attempt must not strand the
// command: the fence marker rolls back with the lease, so the broker
// redelivery is processed instead of being swallowed as a duplicate.
func TestHandle_LeaseErrorRedeliveryStillProcesses(t *testing.T) {
	cmd := newTestCommand("ChargeCard")
	commands := &fakeCommands{cmd: cmd, leaseErr: errors.New("db down"), leaseErrOnce: true}

	calls := 0
	reg := NewRegistry()
	reg.Register("ChargeCard", func(ctx context.Context, c *domain.Command) (json.RawMessage, error) {
		calls++
		return nil, nil
	})

	rt := NewRuntime(commands, reg, testConfig())
	d := delivery(cmd)
	require.Error(t, rt.Handle(context.Background(), d))
	require.Equal(t, 0, calls)

	require.NoError(t, rt.Handle(context.Background(), d))
	require.Equal(t, 1, calls)
	require.Equal(t, cmd.ID, commands.completedID)
}

func TestHandle_PoisonMessageIsDropped(t *testing.T) {
	commands := &fakeCommands{}
	rt := NewRuntime(commands, NewRegistry(), testConfig())

	require.NoError(t, rt.Handle(context.Background(), Delivery{
		MessageID: uuid.NewString(),
		Headers:   map[string]string{message.HeaderCommandID: "not-a-uuid"},
		Body:      []byte(`{"broken"`),
	}))
	require.Equal(t, uuid.Nil, commands.failedID)
}

func TestHandle_FallsBackToEnvelopeMessageID(t *testing.T) {
	cmd := newTestCommand("ChargeCard")
	commands := &fakeCommands{cmd: cmd}

	calls := 0
	reg := NewRegistry()
	reg.Register("ChargeCard", func(ctx context.Context, c *domain.Command) (json.RawMessage, error) {
		calls++
		return nil, nil
	})

	env := message.NewEnvelope("tester", message.TypeCommandRequested, nil)
	body, err := json.Marshal(env)
	require.NoError(t, err)

	d := Delivery{
		Headers: map[string]string{
			message.HeaderCommandID:   cmd.ID.String(),
			message.HeaderCommandName: cmd.Name,
		},
		Body: body,
	}

	rt := NewRuntime(commands, reg, testConfig())
	require.NoError(t, rt.Handle(context.Background(), d))
	require.NoError(t, rt.Handle(context.Background(), d))
	require.Equal(t, 1, calls)
}

func TestRetryDelay_Bounds(t *testing.T) {
	require.Equal(t, 2*time.Second, retryDelay(1))
	require.Equal(t, 4*time.Second, retryDelay(2))
	require.Equal(t, 5*time.Minute, retryDelay(20))
}
