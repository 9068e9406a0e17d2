package ioqueue

import (
	"errors"
	"os"
	"time"

	"github.com/ckoons/argo/internal/argoerr"
	"github.com/ckoons/argo/internal/registry"
)

// tryWriteDeadline bounds how long Deliver waits for the stdin pipe to
// accept bytes before falling back to the queue. Go's os.File has no
// direct EAGAIN-style non-blocking write, but pipe FDs are pollable, so a
// short deadline approximates a would-block check.
const tryWriteDeadline = 5 * time.Millisecond

// DeliverResult reports how input was handled.
type DeliverResult struct {
	Written int
	Queued  bool
}

// Deliver tries the stdin pipe first, falling back to the bounded
// per-workflow queue on a would-block.
func Deliver(reg *registry.Registry, workflowID, text string) (DeliverResult, error) {
	var stdin *os.File
	var state registry.State
	err := reg.WithRecord(workflowID, func(rec *registry.Record) error {
		state = rec.State
		stdin = rec.StdinFile
		return nil
	})
	if err != nil {
		return DeliverResult{}, err
	}
	if state != registry.Running && state != registry.Paused {
		return DeliverResult{}, argoerr.New(argoerr.InvalidState, "workflow is not running or paused")
	}
	if stdin == nil {
		if qerr := reg.EnqueueInput(workflowID, text); qerr != nil {
			return DeliverResult{}, qerr
		}
		return DeliverResult{Queued: true}, nil
	}

	_ = stdin.SetWriteDeadline(time.Now().Add(tryWriteDeadline))
	n, writeErr := stdin.Write([]byte(text))
	_ = stdin.SetWriteDeadline(time.Time{})

	if writeErr == nil {
		return DeliverResult{Written: n}, nil
	}
	if errors.Is(writeErr, os.ErrDeadlineExceeded) {
		if qerr := reg.EnqueueInput(workflowID, text); qerr != nil {
			return DeliverResult{}, qerr
		}
		return DeliverResult{Queued: true}, nil
	}
	return DeliverResult{}, argoerr.Wrap(argoerr.SystemFile, "write to workflow stdin failed", writeErr)
}

// Unescape converts JSON-style escape sequences in raw client input into
// literal bytes before delivery.
func Unescape(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i == len(raw)-1 {
			out = append(out, raw[i])
			continue
		}
		switch raw[i+1] {
		case 'n':
			out = append(out, '\n')
			i++
		case 't':
			out = append(out, '\t')
			i++
		case 'r':
			out = append(out, '\r')
			i++
		case '"':
			out = append(out, '"')
			i++
		case '\\':
			out = append(out, '\\')
			i++
		default:
			out = append(out, raw[i])
		}
	}
	return string(out)
}
