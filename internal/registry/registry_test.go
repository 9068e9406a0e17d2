package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ckoons/argo/internal/argoerr"
)

func TestAddRejectsDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(NewRecord("wf1", "/bin/true", nil, nil)))
	err := r.Add(NewRecord("wf1", "/bin/true", nil, nil))
	require.Equal(t, argoerr.Duplicate, argoerr.KindOf(err))
}

func TestAddRejectsOversizedID(t *testing.T) {
	r := New()
	id := make([]byte, MaxWorkflowIDLen+1)
	for i := range id {
		id[i] = 'a'
	}
	err := r.Add(NewRecord(string(id), "/bin/true", nil, nil))
	require.Equal(t, argoerr.InputInvalid, argoerr.KindOf(err))
}

func TestUpdateStateEnforcesTransitionTable(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(NewRecord("wf1", "/bin/true", nil, nil)))

	err := r.UpdateState("wf1", Completed)
	require.Equal(t, argoerr.InvalidState, argoerr.KindOf(err))

	require.NoError(t, r.SetStatus("wf1", 1, nil))
	require.NoError(t, r.UpdateState("wf1", Running))
	require.NoError(t, r.UpdateState("wf1", Paused))
	require.NoError(t, r.UpdateState("wf1", Running))
	require.NoError(t, r.UpdateState("wf1", Completed))

	err = r.UpdateState("wf1", Running)
	require.Equal(t, argoerr.InvalidState, argoerr.KindOf(err))
}

func TestUpdateStateRejectsRunningWithoutPID(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(NewRecord("wf1", "/bin/true", nil, nil)))

	err := r.UpdateState("wf1", Running)
	require.Equal(t, argoerr.InvalidState, argoerr.KindOf(err))

	snaps := r.List()
	require.Len(t, snaps, 1)
	require.Equal(t, Pending, snaps[0].State)

	require.NoError(t, r.SetStatus("wf1", 42, nil))
	require.NoError(t, r.UpdateState("wf1", Running))
}

func TestRemovePublishesActualTerminalState(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(NewRecord("wf1", "/bin/true", nil, nil)))
	require.NoError(t, r.SetStatus("wf1", 1, nil))
	require.NoError(t, r.UpdateState("wf1", Running))
	require.NoError(t, r.UpdateState("wf1", Failed))

	sub := r.Subscribe(t.Context())
	require.NoError(t, r.Remove("wf1"))

	var last Event
	for i := 0; i < 10; i++ {
		last = <-sub
		if last.State == Failed {
			break
		}
	}
	require.Equal(t, Failed, last.State)
}

func TestWithRecordMutatesLiveRecord(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(NewRecord("wf1", "/bin/true", nil, nil)))

	err := r.WithRecord("wf1", func(rec *Record) error {
		rec.CurrentStep = 3
		rec.TotalSteps = 10
		return nil
	})
	require.NoError(t, err)

	snaps := r.List()
	require.Len(t, snaps, 1)
	require.Equal(t, 3, snaps[0].CurrentStep)
}

func TestCleanupDeadRemovesUnreachablePIDs(t *testing.T) {
	r := New()
	rec := NewRecord("wf1", "/bin/true", nil, nil)
	require.NoError(t, r.Add(rec))
	require.NoError(t, r.SetStatus("wf1", 99999, nil))

	removed := r.CleanupDead(func(pid int) bool { return false })
	require.Equal(t, 1, removed)
	require.Equal(t, 0, r.Count())
}

func TestEnqueueInputRejectsOversizedText(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(NewRecord("wf1", "/bin/true", nil, nil)))

	big := make([]byte, MaxInputBytes+1)
	err := r.EnqueueInput("wf1", string(big))
	require.Equal(t, argoerr.InputTooLarge, argoerr.KindOf(err))
}

// TestStateTransitionsNeverReachInvalidPairs checks that, for any sequence
// of UpdateState calls, each call succeeds exactly when the transition table
// allows it, that once in a terminal state no further transition succeeds,
// and that a record is never observed in Running with no live pid attached.
func TestStateTransitionsNeverReachInvalidPairs(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := New()
		require.NoError(rt, r.Add(NewRecord("wf", "/bin/true", nil, nil)))
		require.NoError(rt, r.SetStatus("wf", 1, nil))

		targets := []State{Running, Paused, Completed, Failed, Abandoned}
		steps := rapid.SliceOfN(rapid.SampledFrom(targets), 1, 20).Draw(rt, "steps")

		for _, target := range steps {
			snaps := r.List()
			require.Len(rt, snaps, 1)
			cur := snaps[0].State
			if cur.IsTerminal() {
				err := r.UpdateState("wf", target)
				require.Equal(rt, argoerr.InvalidState, argoerr.KindOf(err))
				continue
			}
			err := r.UpdateState("wf", target)
			if cur.CanTransitionTo(target) {
				require.NoError(rt, err)
			} else {
				require.Equal(rt, argoerr.InvalidState, argoerr.KindOf(err))
			}
		}

		for _, snap := range r.List() {
			if snap.State == Running {
				require.Greater(rt, snap.PID, 0)
			}
		}
	})
}

// TestStateTransitionsRejectRunningWithoutPID is the negative counterpart:
// without ever calling SetStatus, the attempt to enter Running from Pending
// must fail and leave the record Pending.
func TestStateTransitionsRejectRunningWithoutPID(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := New()
		require.NoError(rt, r.Add(NewRecord("wf", "/bin/true", nil, nil)))

		err := r.UpdateState("wf", Running)
		require.Equal(rt, argoerr.InvalidState, argoerr.KindOf(err))
		require.Equal(rt, Pending, r.List()[0].State)
	})
}
