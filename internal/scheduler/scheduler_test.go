package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ckoons/argo/internal/argoerr"
)

func TestRegisterRejectsPastMaxTasks(t *testing.T) {
	s := New()
	for i := 0; i < MaxTasks; i++ {
		require.NoError(t, s.Register("task", time.Second, func() {}))
	}
	err := s.Register("one-too-many", time.Second, func() {})
	require.Equal(t, argoerr.ResourceLimit, argoerr.KindOf(err))
}

func TestTickRunsDueTasksOnce(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Register("counter", 50*time.Millisecond, func() {
		runs.Add(1)
	}))

	s.tick(0)
	require.Equal(t, int32(1), runs.Load())

	// Not due yet at +10ms.
	s.tick(10)
	require.Equal(t, int32(1), runs.Load())

	// Due again once the interval elapses.
	s.tick(50)
	require.Equal(t, int32(2), runs.Load())
}

func TestRunTaskRecoversPanic(t *testing.T) {
	s := New()
	var ran atomic.Bool
	require.NoError(t, s.Register("panics", time.Millisecond, func() {
		ran.Store(true)
		panic("boom")
	}))

	require.NotPanics(t, func() {
		s.tick(0)
	})
	require.True(t, ran.Load())
}

func TestStartStopDrivesRegisteredTask(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Register("ticking", TickInterval, func() {
		runs.Add(1)
	}))

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 10*time.Millisecond)
	s.Stop()
}
