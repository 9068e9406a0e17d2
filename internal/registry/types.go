// Package registry is the in-memory table of workflow instances: their
// state machine, per-workflow input queue, and optional on-disk checkpoint.
// It is the sole owner of every record it holds; callers only ever touch a
// record while holding the registry's mutex (see Registry.WithRecord).
package registry

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// State is one of the six legal workflow states.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Paused    State = "paused"
	Completed State = "completed"
	Failed    State = "failed"
	Abandoned State = "abandoned"
)

// validTransitions enumerates the legal state graph. Terminal states are
// intentionally absent as map keys: nothing transitions out of them, the
// record is removed instead.
var validTransitions = map[State][]State{
	Pending: {Running},
	Running: {Paused, Completed, Failed, Abandoned},
	Paused:  {Running, Abandoned},
}

// CanTransitionTo reports whether target is reachable from s in one step.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Failed, Abandoned:
		return true
	default:
		return false
	}
}

const (
	MaxWorkflowIDLen  = 256
	MaxInputBytes     = 4 * 1024
	InputQueueCap     = 64
	MaxRegistrySize   = 1024 // upper bound on concurrently tracked workflows
	MaxInputQueueName = "input_queue"
)

// NewWorkflowID derives the stable key from template+instance per the
// GLOSSARY; when instance is empty a short uuid suffix is substituted so two
// unnamed starts of the same template never collide.
func NewWorkflowID(template, instance string) string {
	if instance == "" {
		instance = uuid.NewString()[:8]
	}
	return template + "_" + instance
}

// Record is a single tracked workflow instance.
type Record struct {
	WorkflowID string
	ScriptPath string
	Args       []string
	Env        map[string]string
	State      State

	PID       int
	StdinPipe int // -1 when absent; mirrors StdinFile.Fd() while live
	StdinFile *os.File // write end of the child's stdin pipe; nil when absent

	StartTime time.Time
	EndTime   time.Time

	ExitCode int

	TimeoutSeconds int

	RetryCount    int
	MaxRetries    int
	LastRetryTime time.Time

	AbandonRequested bool

	InputQueue *InputQueue

	TemplateName string
	Branch       string
	Environment  string

	CurrentStep int
	TotalSteps  int
	StepName    string
}

// NewRecord builds a Pending record with an empty input queue and -1 stdin.
func NewRecord(workflowID, scriptPath string, args []string, env map[string]string) *Record {
	return &Record{
		WorkflowID: workflowID,
		ScriptPath: scriptPath,
		Args:       args,
		Env:        env,
		State:      Pending,
		StdinPipe:  -1,
		InputQueue: NewInputQueue(InputQueueCap),
	}
}

// Snapshot is an immutable copy of a Record returned by List, safe to read
// without the registry mutex held.
type Snapshot struct {
	WorkflowID       string
	ScriptPath       string
	State            State
	PID              int
	StartTime        time.Time
	EndTime          time.Time
	ExitCode         int
	RetryCount       int
	MaxRetries       int
	AbandonRequested bool
	TemplateName     string
	Branch           string
	Environment      string
	CurrentStep      int
	TotalSteps       int
	StepName         string
}

func (r *Record) snapshot() Snapshot {
	return Snapshot{
		WorkflowID:       r.WorkflowID,
		ScriptPath:       r.ScriptPath,
		State:            r.State,
		PID:              r.PID,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		ExitCode:         r.ExitCode,
		RetryCount:       r.RetryCount,
		MaxRetries:       r.MaxRetries,
		AbandonRequested: r.AbandonRequested,
		TemplateName:     r.TemplateName,
		Branch:           r.Branch,
		Environment:      r.Environment,
		CurrentStep:      r.CurrentStep,
		TotalSteps:       r.TotalSteps,
		StepName:         r.StepName,
	}
}
