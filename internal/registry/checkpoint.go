package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"

	"github.com/ckoons/argo/internal/argoerr"
	"github.com/ckoons/argo/internal/log"
)

// PersistedRecord carries only the non-transient fields of a Record: pid
// and stdin_pipe are never restored from disk.
type PersistedRecord struct {
	WorkflowID       string    `json:"workflow_id" yaml:"workflow_id"`
	ScriptPath       string    `json:"script_path" yaml:"script_path"`
	State            State     `json:"state" yaml:"state"`
	StartTime        time.Time `json:"start_time" yaml:"start_time"`
	EndTime          time.Time `json:"end_time" yaml:"end_time"`
	ExitCode         int       `json:"exit_code" yaml:"exit_code"`
	TimeoutSeconds   int       `json:"timeout_seconds" yaml:"timeout_seconds"`
	RetryCount       int       `json:"retry_count" yaml:"retry_count"`
	MaxRetries       int       `json:"max_retries" yaml:"max_retries"`
	AbandonRequested bool      `json:"abandon_requested" yaml:"abandon_requested"`
	TemplateName     string    `json:"template_name" yaml:"template_name"`
	Branch           string    `json:"branch" yaml:"branch"`
	Environment      string    `json:"environment" yaml:"environment"`
}

// checkpointFile is the top-level object of the on-disk checkpoint file:
// {"workflows": [record...]}.
type checkpointFile struct {
	Workflows []PersistedRecord `json:"workflows" yaml:"workflows"`
}

// Format selects the on-disk encoding for a Checkpoint.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// Checkpoint is the optional crash-recovery listing that Registry.Flush
// writes when the dirty bit is set. The daemon flushes it once, during
// shutdown; no background task flushes it while the daemon runs. It is
// advisory; the in-memory registry is always authoritative.
type Checkpoint struct {
	Path   string
	Format Format

	mu       sync.Mutex
	lastLoad []byte // raw bytes from the previous Load call, for diffing
}

// NewJSONCheckpoint points a Checkpoint at path using the default JSON
// format.
func NewJSONCheckpoint(path string) *Checkpoint {
	return &Checkpoint{Path: path, Format: FormatJSON}
}

// NewYAMLCheckpoint offers an operator-editable alternate encoding via
// gopkg.in/yaml.v3.
func NewYAMLCheckpoint(path string) *Checkpoint {
	return &Checkpoint{Path: path, Format: FormatYAML}
}

func toPersisted(rec *Record) PersistedRecord {
	return PersistedRecord{
		WorkflowID:       rec.WorkflowID,
		ScriptPath:       rec.ScriptPath,
		State:            rec.State,
		StartTime:        rec.StartTime,
		EndTime:          rec.EndTime,
		ExitCode:         rec.ExitCode,
		TimeoutSeconds:   rec.TimeoutSeconds,
		RetryCount:       rec.RetryCount,
		MaxRetries:       rec.MaxRetries,
		AbandonRequested: rec.AbandonRequested,
		TemplateName:     rec.TemplateName,
		Branch:           rec.Branch,
		Environment:      rec.Environment,
	}
}

// Flush serializes the registry's non-transient fields to the checkpoint
// file if and only if the dirty bit is set.
func (r *Registry) Flush() error {
	if r.checkpoint == nil && r.sqliteCheckpoint == nil {
		return nil
	}
	if !r.Dirty() {
		return nil
	}

	r.mu.Lock()
	records := make([]PersistedRecord, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, toPersisted(rec))
	}
	r.mu.Unlock()

	if r.checkpoint != nil {
		if err := r.checkpoint.write(checkpointFile{Workflows: records}); err != nil {
			return err
		}
	}
	if r.sqliteCheckpoint != nil {
		if err := r.sqliteCheckpoint.Save(records); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checkpoint) write(out checkpointFile) error {
	var data []byte
	var err error
	switch c.Format {
	case FormatYAML:
		data, err = yaml.Marshal(out)
	default:
		data, err = json.MarshalIndent(out, "", "  ")
	}
	if err != nil {
		return argoerr.Wrap(argoerr.SystemMemory, "marshal checkpoint", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.Path), 0755); err != nil {
		return argoerr.Wrap(argoerr.SystemFile, "mkdir checkpoint dir", err)
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return argoerr.Wrap(argoerr.SystemFile, "write checkpoint", err)
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		return argoerr.Wrap(argoerr.SystemFile, "rename checkpoint", err)
	}
	return nil
}

// Load reads the checkpoint file and returns the persisted records found
// there, diffing against the bytes seen on the previous call to Load (if
// any) so the reconciliation sweep can log a human-readable summary of what
// changed since this process last read the file.
func (c *Checkpoint) Load() ([]PersistedRecord, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, argoerr.Wrap(argoerr.SystemFile, "read checkpoint", err)
	}

	var out checkpointFile
	switch c.Format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &out)
	default:
		err = json.Unmarshal(data, &out)
	}
	if err != nil {
		return nil, argoerr.Wrap(argoerr.InputInvalid, "parse checkpoint", err)
	}

	c.mu.Lock()
	prev := c.lastLoad
	c.lastLoad = data
	c.mu.Unlock()

	logCheckpointDiff(prev, data)
	return out.Workflows, nil
}

// logCheckpointDiff summarizes the textual change between two checkpoint
// reads using go-diff, purely for operator audit trails on restart.
func logCheckpointDiff(prev, cur []byte) {
	if len(prev) == 0 {
		return
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(prev), string(cur), false)
	summary := dmp.DiffPrettyText(diffs)
	if len(summary) > 256 {
		summary = summary[:256] + "..."
	}
	log.Debug(log.CatRegistry, "checkpoint diff since last load", "summary", summary)
}

// Reconcile loads the checkpoint (if configured) and logs every persisted
// record that was still Running or Paused at last shutdown: its pid was
// never persisted (see PersistedRecord), so it cannot be resumed and is
// surfaced to the operator rather than silently dropped.
func (r *Registry) Reconcile() error {
	var persisted []PersistedRecord
	var err error
	switch {
	case r.checkpoint != nil:
		persisted, err = r.checkpoint.Load()
	case r.sqliteCheckpoint != nil:
		persisted, err = r.sqliteCheckpoint.Load()
	default:
		return nil
	}
	if err != nil {
		return err
	}
	for _, p := range persisted {
		if p.State == Running || p.State == Paused {
			log.Warn(log.CatRegistry, "checkpoint record not live on restart, not re-added",
				"workflow_id", p.WorkflowID, "last_state", p.State)
		}
	}
	return nil
}
