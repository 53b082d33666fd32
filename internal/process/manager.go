package process

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mlevkov/command-platform/internal/bus"
	"github.com/mlevkov/command-platform/internal/contracts/message"
	"github.com/mlevkov/command-platform/internal/domain"
	"github.com/mlevkov/command-platform/internal/pkg/logger"
)

// Manager drives persisted process instances. Every transition is applied
// inside ProcessStore.UpdateProcess, so the mutated state and the outbox rows
// of any newly scheduled commands commit in one transaction.
type Manager struct {
	store      domain.ProcessStore
	registry   *Registry
	producer   string
	queues     message.QueueNaming
	replyQueue string
}

func NewManager(store domain.ProcessStore, registry *Registry, producer string, queues message.QueueNaming, replyQueue string) *Manager {
	if replyQueue == "" {
		replyQueue = "APP.PROCESS.REPLY.Q"
	}
	return &Manager{
		store:      store,
		registry:   registry,
		producer:   producer,
		queues:     queues,
		replyQueue: replyQueue,
	}
}

// ReplyQueue is the queue every process-scheduled command routes its reply to.
func (m *Manager) ReplyQueue() string {
	return m.replyQueue
}

// Start creates a RUNNING instance at the start step and schedules the start
// step's command in the same transaction.
func (m *Manager) Start(ctx context.Context, processType, businessKey string, initialData map[string]any) (uuid.UUID, error) {
	cfg, ok := m.registry.Get(processType)
	if !ok {
		return uuid.Nil, fmt.Errorf("unknown process type %q", processType)
	}
	start, _ := cfg.step(cfg.Start)

	if initialData == nil {
		initialData = map[string]any{}
	}
	now := time.Now().UTC()
	p := &domain.ProcessInstance{
		ID:              uuid.New(),
		Type:            processType,
		BusinessKey:     businessKey,
		Status:          domain.ProcessRunning,
		CurrentStep:     start.Name,
		Data:            initialData,
		PendingParallel: map[string]*domain.ParallelState{},
		PendingCommands: map[uuid.UUID]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	scheduled := []domain.ScheduledCommand{m.schedule(p, start)}
	if err := m.store.CreateProcess(ctx, p, scheduled); err != nil {
		return uuid.Nil, err
	}

	processesStarted.WithLabelValues(processType).Inc()
	logger.WithCtx(ctx).Info().
		Str("component", "process_manager").
		Str("process_id", p.ID.String()).
		Str("process_type", processType).
		Str("business_key", businessKey).
		Str("start_step", start.Name).
		Msg("process started")
	return p.ID, nil
}

// OnReply applies a command reply to the instance named by the processId
// reply-routing header. Replies for commands the instance no longer tracks are
// ignored (redelivery after the transition already committed).
func (m *Manager) OnReply(ctx context.Context, processID uuid.UUID, reply message.CommandReply) error {
	return m.store.UpdateProcess(ctx, processID, func(p *domain.ProcessInstance) ([]domain.ScheduledCommand, error) {
		return m.apply(ctx, p, reply)
	})
}

// OnEvent applies an event-driven transition. The event is correlated by
// process type and business key instead of an explicit process id. The carried
// reply must still name a command the instance scheduled: an event-driven step
// is modeled as a command whose reply arrives on the event topic, and an
// external event with no scheduled command behind it falls through the
// untracked-command check and is ignored.
func (m *Manager) OnEvent(ctx context.Context, processType, businessKey string, reply message.CommandReply) error {
	p, err := m.store.FindByTypeAndKey(ctx, processType, businessKey)
	if err != nil {
		return err
	}
	return m.OnReply(ctx, p.ID, reply)
}

func (m *Manager) apply(ctx context.Context, p *domain.ProcessInstance, reply message.CommandReply) ([]domain.ScheduledCommand, error) {
	stepName, tracked := p.StepForCommand(reply.CommandID)
	if !tracked {
		logger.WithCtx(ctx).Debug().
			Str("component", "process_manager").
			Str("process_id", p.ID.String()).
			Str("command_id", reply.CommandID.String()).
			Msg("reply for untracked command ignored")
		return nil, nil
	}
	delete(p.PendingCommands, reply.CommandID)

	cfg, ok := m.registry.Get(p.Type)
	if !ok {
		return nil, fmt.Errorf("unknown process type %q", p.Type)
	}

	mergeReply(p, stepName, reply.Result)
	succeeded := reply.Status == string(domain.CommandSucceeded)
	p.UpdatedAt = time.Now().UTC()

	if p.Status == domain.ProcessCompensating {
		return m.applyCompensationReply(ctx, cfg, p, stepName)
	}

	if region := parallelRegionOf(p, stepName); region != nil {
		return m.applyBranchReply(ctx, cfg, p, region, stepName, succeeded)
	}

	if !succeeded {
		appendHistory(p, stepName, domain.StepFailed)
		return m.beginCompensation(ctx, cfg, p)
	}

	appendHistory(p, stepName, domain.StepCompleted)
	step, ok := cfg.step(stepName)
	if !ok {
		return nil, fmt.Errorf("process %q: reply for undeclared step %q", p.Type, stepName)
	}
	return m.advance(ctx, cfg, p, step)
}

// advance consults the finished step's strategy and moves the instance.
func (m *Manager) advance(ctx context.Context, cfg *Config, p *domain.ProcessInstance, step Step) ([]domain.ScheduledCommand, error) {
	log := logger.WithCtx(ctx).With().
		Str("component", "process_manager").
		Str("process_id", p.ID.String()).
		Str("step", step.Name).
		Logger()

	switch step.Strategy.kind {
	case kindTerminal:
		p.Status = domain.ProcessCompleted
		p.CurrentStep = ""
		processesFinished.WithLabelValues(p.Type, "completed").Inc()
		log.Info().Msg("process completed")
		return nil, nil

	case kindDirect:
		next, _ := cfg.step(step.Strategy.next)
		p.Status = domain.ProcessRunning
		p.CurrentStep = next.Name
		log.Info().Str("next", next.Name).Msg("advancing")
		return []domain.ScheduledCommand{m.schedule(p, next)}, nil

	case kindConditional:
		chosen := step.Strategy.choose(p.Data)
		next, ok := cfg.step(chosen)
		if !ok {
			return nil, fmt.Errorf("process %q: predicate at %q chose undeclared step %q", p.Type, step.Name, chosen)
		}
		p.Status = domain.ProcessRunning
		p.CurrentStep = next.Name
		log.Info().Str("next", next.Name).Msg("branch chosen")
		return []domain.ScheduledCommand{m.schedule(p, next)}, nil

	case kindParallel:
		p.PendingParallel[step.Name] = &domain.ParallelState{
			Expected: append([]string(nil), step.Strategy.branches...),
			Join:     step.Strategy.join,
		}
		p.Status = domain.ProcessWaiting
		p.CurrentStep = step.Strategy.join
		scheduled := make([]domain.ScheduledCommand, 0, len(step.Strategy.branches))
		for _, branch := range step.Strategy.branches {
			b, _ := cfg.step(branch)
			scheduled = append(scheduled, m.schedule(p, b))
		}
		log.Info().Strs("branches", step.Strategy.branches).Str("join", step.Strategy.join).Msg("fork")
		return scheduled, nil

	default:
		return nil, fmt.Errorf("process %q: step %q has no strategy", p.Type, step.Name)
	}
}

// applyBranchReply updates the fork bookkeeping. The join runs only when every
// branch has reported and none failed; otherwise the completed branches are
// compensated.
func (m *Manager) applyBranchReply(ctx context.Context, cfg *Config, p *domain.ProcessInstance, region *domain.ParallelState, stepName string, succeeded bool) ([]domain.ScheduledCommand, error) {
	if succeeded {
		region.Completed = append(region.Completed, stepName)
		appendHistory(p, stepName, domain.StepCompleted)
	} else {
		region.Failed = append(region.Failed, stepName)
		appendHistory(p, stepName, domain.StepFailed)
	}

	if !region.Done() {
		return nil, nil
	}

	forkStep := forkOf(p, region)
	delete(p.PendingParallel, forkStep)

	if len(region.Failed) == 0 {
		join, ok := cfg.step(region.Join)
		if !ok {
			return nil, fmt.Errorf("process %q: join step %q not declared", p.Type, region.Join)
		}
		p.Status = domain.ProcessRunning
		p.CurrentStep = join.Name
		logger.WithCtx(ctx).Info().
			Str("component", "process_manager").
			Str("process_id", p.ID.String()).
			Str("join", join.Name).
			Msg("all branches completed; scheduling join")
		return []domain.ScheduledCommand{m.schedule(p, join)}, nil
	}

	return m.beginCompensation(ctx, cfg, p)
}

// beginCompensation flips the instance to COMPENSATING and schedules the first
// undo. Completed steps are undone one at a time, newest first; history order
// is completion order, so parallel branches unwind in reverse completion order
// automatically.
func (m *Manager) beginCompensation(ctx context.Context, cfg *Config, p *domain.ProcessInstance) ([]domain.ScheduledCommand, error) {
	p.Status = domain.ProcessCompensating
	return m.scheduleNextCompensation(ctx, cfg, p)
}

func (m *Manager) applyCompensationReply(ctx context.Context, cfg *Config, p *domain.ProcessInstance, forwardStep string) ([]domain.ScheduledCommand, error) {
	// A failed compensation command has already exhausted worker retries and
	// sits in the DLQ for the operator; the unwind keeps walking either way.
	appendHistory(p, forwardStep, domain.StepCompensated)
	return m.scheduleNextCompensation(ctx, cfg, p)
}

func (m *Manager) scheduleNextCompensation(ctx context.Context, cfg *Config, p *domain.ProcessInstance) ([]domain.ScheduledCommand, error) {
	target, ok := nextCompensationTarget(cfg, p)
	if !ok {
		p.Status = domain.ProcessFailed
		p.CurrentStep = ""
		processesFinished.WithLabelValues(p.Type, "failed").Inc()
		logger.WithCtx(ctx).Warn().
			Str("component", "process_manager").
			Str("process_id", p.ID.String()).
			Msg("compensation finished; process failed")
		return nil, nil
	}

	comp, _ := cfg.step(target.Compensation)
	p.CurrentStep = comp.Name
	logger.WithCtx(ctx).Info().
		Str("component", "process_manager").
		Str("process_id", p.ID.String()).
		Str("compensating", target.Name).
		Str("via", comp.Name).
		Msg("scheduling compensation")

	sc := m.scheduleAs(p, comp, target.Name)
	return []domain.ScheduledCommand{sc}, nil
}

// nextCompensationTarget walks history newest-first for a completed step that
// declares a compensation and has not been compensated yet.
func nextCompensationTarget(cfg *Config, p *domain.ProcessInstance) (Step, bool) {
	compensated := map[string]bool{}
	for _, h := range p.History {
		if h.Outcome == domain.StepCompensated {
			compensated[h.Step] = true
		}
	}
	for i := len(p.History) - 1; i >= 0; i-- {
		h := p.History[i]
		if h.Outcome != domain.StepCompleted || compensated[h.Step] {
			continue
		}
		step, ok := cfg.step(h.Step)
		if !ok || step.Compensation == "" {
			continue
		}
		return step, true
	}
	return Step{}, false
}

// schedule builds the command + outbox pair for a step and tracks it under the
// step's own name.
func (m *Manager) schedule(p *domain.ProcessInstance, step Step) domain.ScheduledCommand {
	return m.scheduleAs(p, step, step.Name)
}

// scheduleAs tracks the in-flight command under trackAs, which differs from
// the executing step during compensation (the reply must resolve to the
// forward step being undone). The idempotency key also derives from trackAs:
// rounds are counted from history, and history records forward step names, so
// two steps sharing one compensation step still mint distinct keys.
func (m *Manager) scheduleAs(p *domain.ProcessInstance, step Step, trackAs string) domain.ScheduledCommand {
	payload, _ := json.Marshal(p.Data)
	cmd := &domain.Command{
		ID:             uuid.New(),
		Name:           step.Command,
		BusinessKey:    p.BusinessKey,
		Payload:        payload,
		IdempotencyKey: idempotencyKey(p, trackAs),
		Status:         domain.CommandPending,
		ReplyRouting: &domain.ReplyRouting{
			Queue:   m.replyQueue,
			Headers: map[string]string{message.HeaderProcessID: p.ID.String()},
		},
	}
	p.PendingCommands[cmd.ID] = trackAs

	msg := bus.NewCommandMessage(m.producer, m.queues, cmd, time.Now().UTC())
	return domain.ScheduledCommand{Command: cmd, Outbox: msg}
}

// idempotencyKey is stable for a given (process, step, execution round):
// a replayed schedule after a crash collapses on the unique key, while a
// re-execution after compensation mints a fresh one.
func idempotencyKey(p *domain.ProcessInstance, stepName string) string {
	round := 0
	for _, h := range p.History {
		if h.Step == stepName {
			round++
		}
	}
	return fmt.Sprintf("proc:%s:%s:%d", p.ID, stepName, round)
}

func appendHistory(p *domain.ProcessInstance, step string, outcome domain.StepOutcome) {
	p.History = append(p.History, domain.HistoryEntry{Step: step, Outcome: outcome, At: time.Now().UTC()})
}

// parallelRegionOf finds the open fork a branch step belongs to, if any.
func parallelRegionOf(p *domain.ProcessInstance, stepName string) *domain.ParallelState {
	for _, region := range p.PendingParallel {
		for _, b := range region.Expected {
			if b == stepName {
				return region
			}
		}
	}
	return nil
}

func forkOf(p *domain.ProcessInstance, region *domain.ParallelState) string {
	for name, r := range p.PendingParallel {
		if r == region {
			return name
		}
	}
	return ""
}

// mergeReply folds a reply payload into the process data. Object payloads
// merge key-wise; anything else lands under the step's name.
func mergeReply(p *domain.ProcessInstance, stepName string, result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(result, &obj); err == nil {
		for k, v := range obj {
			p.Data[k] = v
		}
		return
	}
	var v any
	if err := json.Unmarshal(result, &v); err == nil {
		p.Data[stepName] = v
	}
}
