// Package log provides structured logging for the argo daemon.
// It writes leveled, categorized entries to a file and fans each entry out
// to SSE subscribers, replaying a short backlog so a client that connects
// mid-run isn't starting from a blank stream.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// backlogSize bounds how many recent lines a new subscriber replays before
// joining the live tail.
const backlogSize = 50

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category groups related log messages by subsystem.
type Category string

const (
	CatDaemon     Category = "daemon"
	CatRegistry   Category = "registry"
	CatSupervisor Category = "supervisor"
	CatExitQueue  Category = "exitqueue"
	CatScheduler  Category = "scheduler"
	CatAPI        Category = "api"
	CatIO         Category = "io"
)

// Logger is a mutex-protected, file-backed structured logger.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	enabled  bool
	minLevel Level
	broker   *lineBroadcaster
	recent   []string // last backlogSize formatted lines, for late subscribers
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init opens path append-only and installs it as the global logger.
// Returns a cleanup function to close the file.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(path)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil {
			if defaultLogger.broker != nil {
				defaultLogger.broker.close()
			}
			if defaultLogger.file != nil {
				_ = defaultLogger.file.Close()
			}
		}
	}, nil
}

func newLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:     f,
		writer:   f,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   newLineBroadcaster(),
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

func Debug(cat Category, msg string, fields ...any) { log(LevelDebug, cat, msg, fields...) }
func Info(cat Category, msg string, fields ...any)  { log(LevelInfo, cat, msg, fields...) }
func Warn(cat Category, msg string, fields ...any)  { log(LevelWarn, cat, msg, fields...) }
func Error(cat Category, msg string, fields ...any) { log(LevelError, cat, msg, fields...) }

// ErrorErr logs an error with the error value appended as a field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil || !defaultLogger.enabled {
		return
	}
	if level < defaultLogger.minLevel {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02T15:04:05")
	entry := fmt.Sprintf("%s [%s] [%s] %s", timestamp, level, cat, msg)

	for i := 0; i+1 < len(fields); i += 2 {
		entry += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		entry += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	entry += "\n"

	if defaultLogger.writer != nil {
		_, _ = defaultLogger.writer.Write([]byte(entry))
	}

	defaultLogger.recent = append(defaultLogger.recent, entry)
	if len(defaultLogger.recent) > backlogSize {
		defaultLogger.recent = defaultLogger.recent[len(defaultLogger.recent)-backlogSize:]
	}

	if defaultLogger.broker != nil {
		defaultLogger.broker.publish(entry)
	}
}

// Subscribe returns a channel of formatted log lines, closed when ctx is
// done. New subscribers are replayed up to backlogSize recent lines before
// joining the live tail.
func Subscribe(ctx context.Context) <-chan string {
	if defaultLogger == nil || defaultLogger.broker == nil {
		ch := make(chan string)
		close(ch)
		return ch
	}

	defaultLogger.mu.Lock()
	backlog := append([]string(nil), defaultLogger.recent...)
	defaultLogger.mu.Unlock()

	return defaultLogger.broker.subscribe(ctx, backlog)
}
