// Package supervisor forks, signals, and reaps workflow child processes.
// It owns the stdin pipe for each live child and relays SIGCHLD
// notifications into an exit queue for the background completion task to
// drain.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ckoons/argo/internal/argoerr"
	"github.com/ckoons/argo/internal/exitqueue"
	"github.com/ckoons/argo/internal/log"
	"github.com/ckoons/argo/internal/registry"
)

// Supervisor ties a Registry to OS process control.
type Supervisor struct {
	reg    *registry.Registry
	exitQ  *exitqueue.Queue
	logDir string

	sigCh  chan os.Signal
	stopCh chan struct{}

	scriptWatcher *ScriptWatcher // nil unless WithScriptWatch was called
}

// WithScriptWatch attaches a ScriptWatcher so every spawn and respawn adds
// its script's directory to the watch set.
func (s *Supervisor) WithScriptWatch(w *ScriptWatcher) *Supervisor {
	s.scriptWatcher = w
	return s
}

// New builds a Supervisor. logDir is $HOME/.argo/logs by default.
func New(reg *registry.Registry, exitQ *exitqueue.Queue, logDir string) *Supervisor {
	return &Supervisor{
		reg:    reg,
		exitQ:  exitQ,
		logDir: logDir,
		sigCh:  make(chan os.Signal, 64),
		stopCh: make(chan struct{}),
	}
}

// Start installs the SIGCHLD relay and ignores SIGPIPE, so a write to a
// closed workflow stdin returns EPIPE instead of killing the daemon.
func (s *Supervisor) Start() {
	signal.Ignore(syscall.SIGPIPE)
	signal.Notify(s.sigCh, syscall.SIGCHLD)
	go s.relaySIGCHLD()
}

// Stop tears down the SIGCHLD relay.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	signal.Stop(s.sigCh)
}

// relaySIGCHLD runs on a goroutine rather than an interrupt context, but
// keeps the same discipline a real signal handler would need: do the
// least possible work and never block. It drains every reapable child
// with WNOHANG and pushes each (pid, exit_code) onto the lock-free exit
// queue. No registry access happens here; finalization is entirely the
// completion task's job.
func (s *Supervisor) relaySIGCHLD() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.sigCh:
			for {
				var ws syscall.WaitStatus
				pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
				if pid <= 0 || err != nil {
					break
				}
				s.exitQ.Push(pid, ws.ExitStatus())
			}
		}
	}
}

// Spawn forks the script already recorded as workflowID's ScriptPath/Args/
// Env (added as a Pending record by the caller). On any validation or fork
// failure it removes the pre-created record and returns the error; on
// success it attaches pid+stdin and transitions the record to Running.
func (s *Supervisor) Spawn(workflowID string) (pid int, err error) {
	if err := ValidateWorkflowID(workflowID); err != nil {
		return 0, err
	}

	var scriptPath string
	var args []string
	var env map[string]string
	lookupErr := s.reg.WithRecord(workflowID, func(rec *registry.Record) error {
		scriptPath = rec.ScriptPath
		args = append([]string(nil), rec.Args...)
		env = rec.Env
		return nil
	})
	if lookupErr != nil {
		return 0, lookupErr
	}

	defer func() {
		if err != nil {
			_ = s.reg.Remove(workflowID)
		}
	}()

	if err = ValidateScriptPath(scriptPath); err != nil {
		return 0, err
	}
	cleanEnv, err := ValidateEnv(env)
	if err != nil {
		return 0, err
	}
	if watchErr := s.scriptWatcher.Watch(scriptPath); watchErr != nil {
		log.Warn(log.CatSupervisor, "failed to watch script path", "path", scriptPath, "error", watchErr)
	}

	logPath := filepath.Join(s.logDir, workflowID+".log")
	if mkErr := os.MkdirAll(s.logDir, 0755); mkErr != nil {
		return 0, argoerr.Wrap(argoerr.SystemFile, "mkdir log dir", mkErr)
	}
	logFile, openErr := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if openErr != nil {
		return 0, argoerr.Wrap(argoerr.SystemFile, "open workflow log", openErr)
	}
	defer logFile.Close()

	stdinRead, stdinWrite, pipeErr := os.Pipe()
	if pipeErr != nil {
		return 0, argoerr.Wrap(argoerr.SystemProcess, "create stdin pipe", pipeErr)
	}
	defer stdinRead.Close()

	cmdArgs := append([]string{scriptPath}, args...)
	cmd := exec.Command("/bin/bash", cmdArgs...)
	cmd.Stdin = stdinRead
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = flattenEnv(cleanEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if startErr := cmd.Start(); startErr != nil {
		_ = stdinWrite.Close()
		return 0, argoerr.Wrap(argoerr.SystemProcess, "fork/exec failed", startErr)
	}

	pid = cmd.Process.Pid
	if setErr := s.reg.SetStatus(workflowID, pid, stdinWrite); setErr != nil {
		_ = stdinWrite.Close()
		_ = cmd.Process.Kill()
		return 0, setErr
	}
	if transErr := s.reg.UpdateState(workflowID, registry.Running); transErr != nil {
		return 0, transErr
	}

	log.Info(log.CatSupervisor, "spawned workflow", "workflow_id", workflowID, "pid", pid, "script", scriptPath)
	return pid, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// Pause sends SIGSTOP, transitioning the record to Paused on success.
// Pausing an already-paused workflow fails with InvalidState; the HTTP
// handler checks the current state first and reports "already_paused"
// instead of calling Pause.
func (s *Supervisor) Pause(workflowID string) error {
	return s.signalAndTransition(workflowID, syscall.SIGSTOP, registry.Paused)
}

// Resume sends SIGCONT, transitioning the record back to Running.
func (s *Supervisor) Resume(workflowID string) error {
	return s.signalAndTransition(workflowID, syscall.SIGCONT, registry.Running)
}

func (s *Supervisor) signalAndTransition(workflowID string, sig syscall.Signal, target registry.State) error {
	var pid int
	err := s.reg.WithRecord(workflowID, func(rec *registry.Record) error {
		pid = rec.PID
		return nil
	})
	if err != nil {
		return err
	}
	if pid <= 0 {
		return argoerr.New(argoerr.InvalidState, "workflow has no live pid")
	}
	if sigErr := syscall.Kill(pid, sig); sigErr != nil {
		return argoerr.Wrap(argoerr.SystemProcess, "signal delivery failed", sigErr)
	}
	return s.reg.UpdateState(workflowID, target)
}

// Abandon marks abandon_requested, sends SIGTERM, waits up to 1s, then
// SIGKILL if still alive. It never removes the record — only the
// completion task does.
func (s *Supervisor) Abandon(workflowID string) error {
	var pid int
	err := s.reg.WithRecord(workflowID, func(rec *registry.Record) error {
		rec.AbandonRequested = true
		pid = rec.PID
		return nil
	})
	if err != nil {
		return err
	}
	if pid <= 0 {
		return nil
	}

	_ = syscall.Kill(pid, syscall.SIGTERM)
	deadline := time.After(1 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			_ = syscall.Kill(pid, syscall.SIGKILL)
			return nil
		case <-ticker.C:
			if !IsAlive(pid) {
				return nil
			}
		}
	}
}

// Respawn re-forks the same script/args/env for a record that failed and
// has retries remaining, keeping the record in Running state while it
// updates the pid — used by the workflow completion task's retry path.
// Unlike Spawn it does not expect a Pending record: the record is already
// Running and simply receives a new pid.
func (s *Supervisor) Respawn(workflowID string) (pid int, err error) {
	var scriptPath string
	var args []string
	var env map[string]string
	lookupErr := s.reg.WithRecord(workflowID, func(rec *registry.Record) error {
		scriptPath = rec.ScriptPath
		args = append([]string(nil), rec.Args...)
		env = rec.Env
		return nil
	})
	if lookupErr != nil {
		return 0, lookupErr
	}

	if err = ValidateScriptPath(scriptPath); err != nil {
		return 0, err
	}
	cleanEnv, err := ValidateEnv(env)
	if err != nil {
		return 0, err
	}
	if watchErr := s.scriptWatcher.Watch(scriptPath); watchErr != nil {
		log.Warn(log.CatSupervisor, "failed to watch script path", "path", scriptPath, "error", watchErr)
	}

	logPath := filepath.Join(s.logDir, workflowID+".log")
	logFile, openErr := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if openErr != nil {
		return 0, argoerr.Wrap(argoerr.SystemFile, "open workflow log", openErr)
	}
	defer logFile.Close()

	stdinRead, stdinWrite, pipeErr := os.Pipe()
	if pipeErr != nil {
		return 0, argoerr.Wrap(argoerr.SystemProcess, "create stdin pipe", pipeErr)
	}
	defer stdinRead.Close()

	cmdArgs := append([]string{scriptPath}, args...)
	cmd := exec.Command("/bin/bash", cmdArgs...)
	cmd.Stdin = stdinRead
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = flattenEnv(cleanEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if startErr := cmd.Start(); startErr != nil {
		_ = stdinWrite.Close()
		return 0, argoerr.Wrap(argoerr.SystemProcess, "fork/exec failed on retry", startErr)
	}

	pid = cmd.Process.Pid
	if setErr := s.reg.SetStatus(workflowID, pid, stdinWrite); setErr != nil {
		_ = stdinWrite.Close()
		_ = cmd.Process.Kill()
		return 0, setErr
	}

	log.Info(log.CatSupervisor, "respawned workflow after failure", "workflow_id", workflowID, "pid", pid)
	return pid, nil
}
