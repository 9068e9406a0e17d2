package supervisor

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ckoons/argo/internal/log"
)

// ScriptWatcher watches the directories holding in-flight workflow scripts
// and logs a warning when one is removed or rewritten out from under a
// running workflow. A spawned process keeps its script open by inode, so
// deletion is otherwise silent until the next spawn attempt on that path
// fails validation.
type ScriptWatcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewScriptWatcher opens the underlying fsnotify watcher with no directories
// watched yet; call Watch per script path and Start once.
func NewScriptWatcher() (*ScriptWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ScriptWatcher{fsw: fsw, done: make(chan struct{})}, nil
}

// Watch adds scriptPath's containing directory to the watch set. Watching
// the same directory twice is harmless; fsnotify dedupes internally.
func (s *ScriptWatcher) Watch(scriptPath string) error {
	if s == nil {
		return nil
	}
	return s.fsw.Add(filepath.Dir(scriptPath))
}

// Start runs the event loop on a background goroutine.
func (s *ScriptWatcher) Start() {
	if s == nil {
		return
	}
	go s.loop()
}

// Stop terminates the watch loop and releases the underlying OS handle.
func (s *ScriptWatcher) Stop() error {
	if s == nil {
		return nil
	}
	close(s.done)
	return s.fsw.Close()
}

func (s *ScriptWatcher) loop() {
	for {
		select {
		case event, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Warn(log.CatSupervisor, "script file removed or replaced, in-flight workflows using it may fail on retry",
				"path", event.Name, "op", event.Op.String())
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatSupervisor, "script watcher error", err)
		case <-s.done:
			return
		}
	}
}
