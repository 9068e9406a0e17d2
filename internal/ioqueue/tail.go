// Package ioqueue implements the interactive I/O channel: the
// byte-offset-cursor log tail and the stdin-pipe-vs-queue delivery choice
// for workflow input. It sits between the HTTP handlers and the registry,
// kept as a distinct concern from the handlers even though both are
// consumed by the API package.
package ioqueue

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/ckoons/argo/internal/argoerr"
)

// MaxChunkBytes caps a single log-tail response.
const MaxChunkBytes = 64 * 1024

// TailResult is returned by Tail; Empty is set when there is nothing new to
// read (offset >= size or the file does not exist yet), which callers
// translate to 204 No Content.
type TailResult struct {
	Content []byte
	Offset  int64
	Empty   bool
}

// Tail reads up to MaxChunkBytes of logDir/<workflowID>.log starting at
// since, returning the bytes read and the new offset.
func Tail(logDir, workflowID string, since int64) (TailResult, error) {
	path := filepath.Join(logDir, workflowID+".log")
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return TailResult{Offset: since, Empty: true}, nil
	}
	if err != nil {
		return TailResult{}, argoerr.Wrap(argoerr.SystemFile, "open log for tail", err)
	}
	defer f.Close()

	info, statErr := f.Stat()
	if statErr != nil {
		return TailResult{}, argoerr.Wrap(argoerr.SystemFile, "stat log for tail", statErr)
	}
	if since < 0 {
		since = 0
	}
	if since >= info.Size() {
		return TailResult{Offset: since, Empty: true}, nil
	}

	if _, err := f.Seek(since, io.SeekStart); err != nil {
		return TailResult{}, argoerr.Wrap(argoerr.SystemFile, "seek log for tail", err)
	}

	buf := make([]byte, MaxChunkBytes)
	n, readErr := f.Read(buf)
	if readErr != nil && readErr != io.EOF {
		return TailResult{}, argoerr.Wrap(argoerr.SystemFile, "read log for tail", readErr)
	}

	return TailResult{Content: buf[:n], Offset: since + int64(n)}, nil
}
