package registry

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/ckoons/argo/internal/argoerr"
	"github.com/ckoons/argo/internal/log"
)

// Event is published on every state transition, for the SSE event-
// streaming endpoints.
type Event struct {
	WorkflowID string
	State      State
	Timestamp  time.Time
}

// Registry is the keyed table of tracked workflow records. A single mutex
// serializes every operation; record bodies are never handed out across a
// call boundary without the lock held (see WithRecord).
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	dirty   bool
	broker  *eventBroadcaster

	checkpoint       *Checkpoint       // nil when no on-disk checkpoint is configured
	sqliteCheckpoint *SQLiteCheckpoint // nil unless WithSQLiteCheckpoint was called
}

// New creates an empty registry with no checkpoint configured.
func New() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		broker:  newEventBroadcaster(),
	}
}

// WithCheckpoint attaches a JSON (or YAML) checkpoint file to the registry.
// It is advisory: the authoritative state is always the
// in-memory map.
func (r *Registry) WithCheckpoint(c *Checkpoint) *Registry {
	r.checkpoint = c
	return r
}

// WithSQLiteCheckpoint attaches the alternate durable checkpoint backend.
// When both this and WithCheckpoint are configured, Flush writes both and
// Reconcile prefers the JSON checkpoint; sqlite alone is used only when no
// JSON checkpoint is set. off by default, per the literal JSON-file
// checkpoint contract.
func (r *Registry) WithSQLiteCheckpoint(c *SQLiteCheckpoint) *Registry {
	r.sqliteCheckpoint = c
	return r
}

// Subscribe returns a channel of state-change events, closed when ctx is
// cancelled.
func (r *Registry) Subscribe(ctx context.Context) <-chan Event {
	return r.broker.subscribe(ctx)
}

func (r *Registry) publish(id string, s State) {
	r.broker.publish(Event{WorkflowID: id, State: s, Timestamp: time.Now()})
}

// Close unblocks every subscriber returned by Subscribe and releases the
// event broker. Call it once during daemon shutdown, after the HTTP server
// has stopped accepting new SSE connections.
func (r *Registry) Close() {
	r.broker.close()
}

// Add inserts record, failing with Duplicate if the ID already exists or
// ResourceLimit if the registry is at MaxRegistrySize.
func (r *Registry) Add(rec *Record) error {
	if len(rec.WorkflowID) == 0 || len(rec.WorkflowID) > MaxWorkflowIDLen {
		return argoerr.New(argoerr.InputInvalid, "workflow_id length out of range")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.WorkflowID]; exists {
		return argoerr.New(argoerr.Duplicate, "workflow already exists: "+rec.WorkflowID)
	}
	if len(r.records) >= MaxRegistrySize {
		return argoerr.New(argoerr.ResourceLimit, "registry is full")
	}

	r.records[rec.WorkflowID] = rec
	r.dirty = true
	r.publish(rec.WorkflowID, rec.State)
	return nil
}

// WithRecord runs fn with the registry mutex held and a pointer to the live
// record for id. This is the only sanctioned way to read or mutate a
// record's fields outside this package, modeling "handle-based access" in
// place of returning a borrowed pointer.
func (r *Registry) WithRecord(id string, fn func(*Record) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return argoerr.New(argoerr.NotFound, "no such workflow: "+id)
	}
	return fn(rec)
}

// Remove deletes id from the registry, closing its stdin pipe if open.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return argoerr.New(argoerr.NotFound, "no such workflow: "+id)
	}
	closeStdinPipe(rec)
	finalState := rec.State
	delete(r.records, id)
	r.dirty = true
	r.publish(id, finalState)
	return nil
}

// List returns a snapshot copy of every record, safe to read lock-free.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.snapshot())
	}
	return out
}

// Count returns the number of live records.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// UpdateState enforces the legal-transition table.
func (r *Registry) UpdateState(id string, target State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return argoerr.New(argoerr.NotFound, "no such workflow: "+id)
	}
	if !rec.State.CanTransitionTo(target) {
		return argoerr.New(argoerr.InvalidState, string(rec.State)+" cannot transition to "+string(target))
	}
	if target == Running && rec.PID <= 0 {
		return argoerr.New(argoerr.InvalidState, "cannot enter running without a live pid, call SetStatus first")
	}
	rec.State = target
	switch target {
	case Running:
		if rec.StartTime.IsZero() {
			rec.StartTime = time.Now()
		}
	case Completed, Failed, Abandoned:
		rec.EndTime = time.Now()
	}
	r.dirty = true
	r.publish(id, target)
	return nil
}

// SetStatus attaches the OS handles obtained at fork time. Used exactly
// once per successful spawn.
func (r *Registry) SetStatus(id string, pid int, stdin *os.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return argoerr.New(argoerr.NotFound, "no such workflow: "+id)
	}
	rec.PID = pid
	rec.StdinFile = stdin
	if stdin != nil {
		rec.StdinPipe = int(stdin.Fd())
	}
	r.dirty = true
	return nil
}

// EnqueueInput appends text to id's input queue, failing with ResourceLimit
// at capacity and InputTooLarge if text exceeds MaxInputBytes.
func (r *Registry) EnqueueInput(id, text string) error {
	if len(text) > MaxInputBytes {
		return argoerr.New(argoerr.InputTooLarge, "input exceeds 4KiB")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return argoerr.New(argoerr.NotFound, "no such workflow: "+id)
	}
	if !rec.InputQueue.Enqueue(text) {
		return argoerr.New(argoerr.ResourceLimit, "input queue full")
	}
	return nil
}

// DequeueInput pops the oldest queued input for id, non-blocking.
func (r *Registry) DequeueInput(id string) (QueuedInput, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return QueuedInput{}, false, argoerr.New(argoerr.NotFound, "no such workflow: "+id)
	}
	msg, found := rec.InputQueue.Dequeue()
	return msg, found, nil
}

// FindByPID returns the workflow ID of the running record with the given
// live pid, used by the completion task to correlate exit-queue entries
// back to records. It never hands out the record pointer itself; callers
// that need to read or mutate fields use WithRecord with the returned ID.
func (r *Registry) FindByPID(pid int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.PID == pid && rec.State == Running {
			return rec.WorkflowID, true
		}
	}
	return "", false
}

// Dirty reports and clears the dirty bit; Flush reads it to decide whether
// to write the checkpoint.
func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dirty
	r.dirty = false
	return d
}

// CleanupDead scans for records whose pid is no longer alive and removes
// them, as part of a startup liveness sweep. Returns the number removed.
func (r *Registry) CleanupDead(isAlive func(pid int) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.records {
		if rec.PID > 0 && !isAlive(rec.PID) {
			closeStdinPipe(rec)
			delete(r.records, id)
			removed++
		}
	}
	if removed > 0 {
		r.dirty = true
		log.Info(log.CatRegistry, "startup dead-pid reconciliation", "removed", removed, "remaining", len(r.records))
	}
	return removed
}

func closeStdinPipe(rec *Record) {
	if rec.StdinFile != nil {
		_ = rec.StdinFile.Close()
		rec.StdinFile = nil
	} else if rec.StdinPipe >= 0 {
		_ = closeFD(rec.StdinPipe)
	}
	rec.StdinPipe = -1
}
