package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ckoons/argo/internal/exitqueue"
	"github.com/ckoons/argo/internal/log"
	"github.com/ckoons/argo/internal/registry"
)

// Respawner is the subset of *supervisor.Supervisor the completion task
// needs; declared here instead of importing the supervisor package so
// scheduler has no compile-time dependency on process-control internals.
type Respawner interface {
	Respawn(workflowID string) (pid int, err error)
}

// RetryBaseDelay is the base of the exponential backoff applied on each
// retry: base * 2^(retry_count-1).
var RetryBaseDelay = 1 * time.Second

// RegisterCoreTasks wires the three standing background tasks onto s.
func RegisterCoreTasks(s *Scheduler, reg *registry.Registry, eq *exitqueue.Queue, sup Respawner, logDir string) error {
	if err := s.Register("workflow-timeout", 10*time.Second, func() { timeoutTask(reg) }); err != nil {
		return err
	}
	if err := s.Register("log-rotation", 3600*time.Second, func() { logRotationTask(logDir) }); err != nil {
		return err
	}
	if err := s.Register("workflow-completion", 5*time.Second, func() { completionTask(reg, eq, sup, logDir) }); err != nil {
		return err
	}
	return nil
}

// timeoutTask scans for running records past their deadline, SIGTERMs them,
// and marks abandon_requested so the completion task does not retry — it
// never removes records itself.
func timeoutTask(reg *registry.Registry) {
	now := time.Now()
	for _, snap := range reg.List() {
		if snap.State != registry.Running {
			continue
		}
		timeoutRec, ok := recordTimeout(reg, snap.WorkflowID)
		if !ok || timeoutRec <= 0 {
			continue
		}
		if now.Sub(snap.StartTime) < time.Duration(timeoutRec)*time.Second {
			continue
		}
		pid := snap.PID
		_ = reg.WithRecord(snap.WorkflowID, func(rec *registry.Record) error {
			rec.AbandonRequested = true
			return nil
		})
		if pid > 0 {
			_ = sendSIGTERM(pid)
		}
		log.Warn(log.CatScheduler, "workflow timed out", "workflow_id", snap.WorkflowID, "pid", pid)
	}
}

func sendSIGTERM(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func recordTimeout(reg *registry.Registry, id string) (int, bool) {
	var seconds int
	err := reg.WithRecord(id, func(rec *registry.Record) error {
		seconds = rec.TimeoutSeconds
		return nil
	})
	return seconds, err == nil
}

// logRotationTask scans $HOME/.argo/logs/*.log and shifts oversized or
// aged files into numbered backups, dropping the oldest past keepCount.
func logRotationTask(logDir string) {
	const maxAgeSeconds = 7 * 24 * 3600
	const maxSizeBytes = 50 * 1024 * 1024
	const keepCount = 5

	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, statErr := e.Info()
		if statErr != nil {
			continue
		}
		age := now.Sub(info.ModTime()).Seconds()
		if age < maxAgeSeconds && info.Size() < maxSizeBytes {
			continue
		}
		rotateLog(filepath.Join(logDir, e.Name()), keepCount)
	}
}

func rotateLog(path string, keepCount int) {
	oldest := fmt.Sprintf("%s.%d", path, keepCount)
	_ = os.Remove(oldest)
	for n := keepCount - 1; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d", path, n)
		dst := fmt.Sprintf("%s.%d", path, n+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".1"); err != nil {
			log.ErrorErr(log.CatScheduler, "log rotation failed", err, "path", path)
		}
	}
}

// completionTask drains the exit queue and applies the retry policy:
// abandoned and successful exits are removed immediately; failures under
// the retry budget are re-forked after an exponential backoff; exhausted
// failures are removed.
func completionTask(reg *registry.Registry, eq *exitqueue.Queue, sup Respawner, logDir string) {
	if dropped := eq.Dropped(); dropped > 0 {
		log.Warn(log.CatScheduler, "exit queue dropped entries", "count", dropped)
	}

	for {
		entry, ok := eq.Pop()
		if !ok {
			return
		}
		handleExit(reg, sup, logDir, entry)
	}
}

func handleExit(reg *registry.Registry, sup Respawner, logDir string, entry exitqueue.Entry) {
	workflowID, found := reg.FindByPID(entry.PID)
	if !found {
		log.Warn(log.CatScheduler, "orphan exit-queue entry, no matching running record", "pid", entry.PID, "exit_code", entry.ExitCode)
		return
	}

	var abandonRequested bool
	var retryCount, maxRetries int
	_ = reg.WithRecord(workflowID, func(r *registry.Record) error {
		r.ExitCode = entry.ExitCode
		abandonRequested = r.AbandonRequested
		retryCount = r.RetryCount
		maxRetries = r.MaxRetries
		return nil
	})

	switch {
	case abandonRequested:
		finalize(reg, workflowID, registry.Abandoned)
	case entry.ExitCode == 0:
		finalize(reg, workflowID, registry.Completed)
	case retryCount < maxRetries:
		retryWorkflow(reg, sup, logDir, workflowID, retryCount+1, maxRetries)
	default:
		finalize(reg, workflowID, registry.Failed)
	}
}

func finalize(reg *registry.Registry, workflowID string, terminal registry.State) {
	_ = reg.UpdateState(workflowID, terminal)
	if err := reg.Remove(workflowID); err != nil {
		log.ErrorErr(log.CatScheduler, "failed to remove finalized workflow", err, "workflow_id", workflowID)
	}
}

func retryWorkflow(reg *registry.Registry, sup Respawner, logDir string, workflowID string, attempt, maxRetries int) {
	backoff := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
	marker := fmt.Sprintf("=== RETRY ATTEMPT %d/%d ===\n", attempt, maxRetries)
	appendLogMarker(logDir, workflowID, marker)

	time.Sleep(backoff)

	_ = reg.WithRecord(workflowID, func(r *registry.Record) error {
		r.RetryCount = attempt
		r.LastRetryTime = time.Now()
		return nil
	})

	if _, err := sup.Respawn(workflowID); err != nil {
		log.ErrorErr(log.CatScheduler, "retry respawn failed", err, "workflow_id", workflowID, "attempt", attempt)
		finalize(reg, workflowID, registry.Failed)
	}
}

func appendLogMarker(logDir, workflowID, marker string) {
	path := filepath.Join(logDir, workflowID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(marker)
}
