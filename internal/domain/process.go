package domain

import (
	"time"

	"github.com/google/uuid"
)

type ProcessStatus string

const (
	ProcessRunning      ProcessStatus = "RUNNING"
	ProcessWaiting      ProcessStatus = "WAITING"
	ProcessCompleted    ProcessStatus = "COMPLETED"
	ProcessFailed       ProcessStatus = "FAILED"
	ProcessCompensating ProcessStatus = "COMPENSATING"
)

func (s ProcessStatus) Terminal() bool {
	return s == ProcessCompleted || s == ProcessFailed
}

type StepOutcome string

const (
	StepCompleted   StepOutcome = "completed"
	StepFailed      StepOutcome = "failed"
	StepCompensated StepOutcome = "compensated"
)

// HistoryEntry is one finished step. History order is the only ordering the
// process state guarantees; compensation walks it backward.
type HistoryEntry struct {
	Step    string      `json:"step"`
	Outcome StepOutcome `json:"outcome"`
	At      time.Time   `json:"at"`
}

// ParallelState tracks a fork until all branches have reported.
type ParallelState struct {
	Expected  []string `json:"expected"`
	Completed []string `json:"completed,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Join      string   `json:"join"`
}

func (p *ParallelState) Done() bool {
	return len(p.Completed)+len(p.Failed) == len(p.Expected)
}

type ProcessInstance struct {
	ID          uuid.UUID
	Type        string
	BusinessKey string
	Status      ProcessStatus
	CurrentStep string
	Data        map[string]any
	History     []HistoryEntry
	// PendingParallel is keyed by the forking step name.
	PendingParallel map[string]*ParallelState
	// PendingCommands maps in-flight command ids to the step they execute.
	PendingCommands map[uuid.UUID]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StepForCommand resolves which step an incoming reply belongs to.
func (p *ProcessInstance) StepForCommand(commandID uuid.UUID) (string, bool) {
	step, ok := p.PendingCommands[commandID]
	return step, ok
}
